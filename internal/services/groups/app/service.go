package app

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/gate"
	workerdomain "github.com/broseph/broseph/internal/services/worker/domain"
)

// Service gates membership requests and admits the ones that pass. A
// rejected request never produces a job. A request whose key already names
// a matching job returns that job's ticket without re-running the gate.
type Service struct {
	gate      *gate.Gate
	admission *Admission
}

// NewService wires the gate to admission.
func NewService(g *gate.Gate, admission *Admission) *Service {
	return &Service{gate: g, admission: admission}
}

// SendMessageInput is one chat message request.
type SendMessageInput struct {
	GroupID          string
	UserID           string
	Content          string
	ImageURLs        []string
	PromptResponseID string
	ReplyInChat      bool
	ReplyToID        string
}

// CreateGroup admits a create-group job owned by userID.
func (s *Service) CreateGroup(ctx context.Context, userID, name, key string) (JobTicket, error) {
	normalized, err := domain.NormalizeGroupName(name)
	if err != nil {
		return JobTicket{}, err
	}
	payload := workerdomain.CreateGroupPayload{OwnerID: userID, Name: normalized}
	return s.admit(ctx, workerdomain.KindCreateGroup, payload, key, func() error {
		return s.gate.CheckCreateGroup(ctx, userID)
	})
}

// DeleteGroup admits a delete-group job.
func (s *Service) DeleteGroup(ctx context.Context, groupID, userID, key string) (JobTicket, error) {
	payload := workerdomain.DeleteGroupPayload{GroupID: groupID, UserID: userID}
	return s.admit(ctx, workerdomain.KindDeleteGroup, payload, key, func() error {
		return s.gate.CheckDeleteGroup(ctx, groupID, userID)
	})
}

// LeaveGroup admits a leave-group job.
func (s *Service) LeaveGroup(ctx context.Context, groupID, userID, key string) (JobTicket, error) {
	payload := workerdomain.LeaveGroupPayload{GroupID: groupID, UserID: userID}
	return s.admit(ctx, workerdomain.KindLeaveGroup, payload, key, func() error {
		return s.gate.CheckLeaveGroup(ctx, groupID, userID)
	})
}

// SendMessage admits a send-message job after validating its content.
func (s *Service) SendMessage(ctx context.Context, input SendMessageInput, key string) (JobTicket, error) {
	content, images, err := domain.NormalizeMessage(input.Content, input.ImageURLs)
	if err != nil {
		return JobTicket{}, err
	}
	payload := workerdomain.SendMessagePayload{
		GroupID:          input.GroupID,
		SenderID:         input.UserID,
		Content:          content,
		ImageURLs:        images,
		PromptResponseID: input.PromptResponseID,
		ReplyInChat:      input.ReplyInChat,
		ReplyToID:        input.ReplyToID,
	}
	return s.admit(ctx, workerdomain.KindSendMessage, payload, key, func() error {
		return s.gate.CheckSendMessage(ctx, input.GroupID, input.UserID)
	})
}

// AcceptInvite admits an accept-invite job for the invite behind token.
func (s *Service) AcceptInvite(ctx context.Context, token, userID, key string) (JobTicket, error) {
	ticket, ok, err := s.admission.Replay(ctx, workerdomain.KindAcceptInvite, key, func(stored []byte) bool {
		var prior workerdomain.AcceptInvitePayload
		if err := json.Unmarshal(stored, &prior); err != nil {
			return false
		}
		return prior.InviteToken == token && prior.UserID == userID
	})
	if err != nil || ok {
		return ticket, err
	}

	invite, err := s.gate.CheckAcceptInvite(ctx, token, userID)
	if err != nil {
		return JobTicket{}, err
	}
	return s.admission.Admit(ctx, workerdomain.KindAcceptInvite, workerdomain.AcceptInvitePayload{
		InviteToken: token,
		InviteID:    invite.ID,
		GroupID:     invite.GroupID,
		UserID:      userID,
	}, key)
}

// admit replays a job already admitted under key with the same payload, and
// otherwise runs check before admitting.
func (s *Service) admit(ctx context.Context, kind workerdomain.Kind, payload any, key string, check func() error) (JobTicket, error) {
	body, err := json.Marshal(payload)
	if err == nil {
		ticket, ok, err := s.admission.Replay(ctx, kind, key, func(stored []byte) bool {
			return bytes.Equal(stored, body)
		})
		if err != nil || ok {
			return ticket, err
		}
	}
	if err := check(); err != nil {
		return JobTicket{}, err
	}
	return s.admission.Admit(ctx, kind, payload, key)
}
