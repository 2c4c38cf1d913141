// Package domain applies membership jobs against the groups store.
//
// Handlers never trust the request-path gate: each one re-reads the state it
// depends on, mutates it through conditional writes, and returns an explicit
// Outcome. Any handler may run more than once for the same job id, so every
// step is safe to repeat.
package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/id"
	"github.com/broseph/broseph/internal/platform/logging"
	"github.com/broseph/broseph/internal/platform/timeouts"
	groupdomain "github.com/broseph/broseph/internal/services/groups/domain"
	groupstorage "github.com/broseph/broseph/internal/services/groups/storage"
)

// Kind names a job type.
type Kind string

const (
	KindCreateGroup  Kind = "create-group"
	KindDeleteGroup  Kind = "delete-group"
	KindLeaveGroup   Kind = "leave-group"
	KindAcceptInvite Kind = "accept-invite"
	KindSendMessage  Kind = "send-message"
)

// Kinds lists every job kind the worker handles.
func Kinds() []Kind {
	return []Kind{KindCreateGroup, KindDeleteGroup, KindLeaveGroup, KindAcceptInvite, KindSendMessage}
}

// Job is one delivery of a queued job to a handler.
type Job struct {
	ID      string
	Kind    Kind
	Payload []byte
	Attempt int
}

// Handler applies one job kind.
type Handler interface {
	Handle(ctx context.Context, job Job) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job Job) Outcome {
	return f(ctx, job)
}

// GroupsStore is the groups persistence surface used by handlers.
type GroupsStore interface {
	groupstorage.GroupStore
	groupstorage.MembershipStore
	groupstorage.InviteStore
	groupstorage.MessageStore
}

// Dependencies are shared by every handler.
type Dependencies struct {
	Store  GroupsStore
	Limits groupdomain.Limits
	Clock  func() time.Time
	NewID  func() (string, error)
	Logger *zap.Logger
}

func (d Dependencies) normalized() Dependencies {
	d.Limits = d.Limits.Normalized()
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.NewID == nil {
		d.NewID = id.NewID
	}
	d.Logger = logging.OrNop(d.Logger)
	return d
}

func (d Dependencies) now() time.Time {
	return d.Clock().UTC()
}

// CreateGroupPayload is the create-group job body.
type CreateGroupPayload struct {
	OwnerID string `json:"ownerId"`
	Name    string `json:"name"`
}

func (p *CreateGroupPayload) normalize() error {
	p.OwnerID = strings.TrimSpace(p.OwnerID)
	if p.OwnerID == "" {
		return fmt.Errorf("ownerId is required")
	}
	return nil
}

// CreateGroupResult is the create-group job result.
type CreateGroupResult struct {
	GroupID string `json:"groupId"`
}

// DeleteGroupPayload is the delete-group job body.
type DeleteGroupPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

func (p *DeleteGroupPayload) normalize() error {
	return requireGroupAndUser(&p.GroupID, &p.UserID)
}

// DeleteGroupResult is the delete-group job result.
type DeleteGroupResult struct {
	Deleted bool `json:"deleted"`
}

// LeaveGroupPayload is the leave-group job body.
type LeaveGroupPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

func (p *LeaveGroupPayload) normalize() error {
	return requireGroupAndUser(&p.GroupID, &p.UserID)
}

// LeaveGroupResult is the leave-group job result.
type LeaveGroupResult struct {
	Left         bool   `json:"left"`
	GroupDeleted bool   `json:"groupDeleted"`
	NewOwnerID   string `json:"newOwnerId,omitempty"`
}

// AcceptInvitePayload is the accept-invite job body.
type AcceptInvitePayload struct {
	InviteToken string `json:"inviteToken"`
	InviteID    string `json:"inviteId"`
	GroupID     string `json:"groupId"`
	UserID      string `json:"userId"`
}

func (p *AcceptInvitePayload) normalize() error {
	p.InviteToken = strings.TrimSpace(p.InviteToken)
	p.InviteID = strings.TrimSpace(p.InviteID)
	if p.InviteToken == "" || p.InviteID == "" {
		return fmt.Errorf("inviteToken and inviteId are required")
	}
	return requireGroupAndUser(&p.GroupID, &p.UserID)
}

// AcceptInviteResult is the accept-invite job result.
type AcceptInviteResult struct {
	Joined  bool   `json:"joined"`
	GroupID string `json:"groupId"`
}

// SendMessagePayload is the send-message job body.
type SendMessagePayload struct {
	GroupID          string   `json:"groupId"`
	SenderID         string   `json:"senderId"`
	Content          string   `json:"content"`
	ImageURLs        []string `json:"imageUrls,omitempty"`
	PromptResponseID string   `json:"promptResponseId,omitempty"`
	ReplyInChat      bool     `json:"replyInChat,omitempty"`
	ReplyToID        string   `json:"replyToId,omitempty"`
}

func (p *SendMessagePayload) normalize() error {
	p.PromptResponseID = strings.TrimSpace(p.PromptResponseID)
	p.ReplyToID = strings.TrimSpace(p.ReplyToID)
	return requireGroupAndUser(&p.GroupID, &p.SenderID)
}

// SendMessageResult is the send-message job result.
type SendMessageResult struct {
	MessageID string `json:"messageId"`
}

func requireGroupAndUser(groupID, userID *string) error {
	*groupID = strings.TrimSpace(*groupID)
	*userID = strings.TrimSpace(*userID)
	if *groupID == "" || *userID == "" {
		return fmt.Errorf("groupId and userId are required")
	}
	return nil
}

type payload interface {
	normalize() error
}

// decodePayload parses and normalizes a job body. Malformed bodies are
// terminal: redelivery cannot fix them.
func decodePayload[T any, P interface {
	*T
	payload
}](job Job) (T, error) {
	var body T
	if err := json.Unmarshal(job.Payload, &body); err != nil {
		return body, apperrors.Wrap(apperrors.ClassValidation, apperrors.CodeJobPayloadInvalid, "decode "+string(job.Kind)+" payload", err)
	}
	if err := P(&body).normalize(); err != nil {
		return body, apperrors.Wrap(apperrors.ClassValidation, apperrors.CodeJobPayloadInvalid, err.Error(), err)
	}
	return body, nil
}

// step runs one store round trip under the per-step deadline.
func step[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	return fn(ctx)
}

func stepErr(ctx context.Context, fn func(context.Context) error) error {
	_, err := step(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func transient(op string, err error) error {
	return apperrors.Transient(op, err)
}

func jobFields(job Job) []zap.Field {
	return []zap.Field{
		zap.String(logging.KeyJobID, job.ID),
		zap.String(logging.KeyKind, string(job.Kind)),
		zap.Int(logging.KeyAttempt, job.Attempt),
	}
}
