package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/broseph/broseph/internal/platform/requestctx"
	"github.com/broseph/broseph/internal/services/groups/app"
	workerdomain "github.com/broseph/broseph/internal/services/worker/domain"
)

type createGroupRequest struct {
	Name string `json:"name"`
}

type createInviteRequest struct {
	Email string `json:"email"`
}

type submitResponseRequest struct {
	Content  string `json:"content"`
	ImageURL string `json:"imageUrl"`
}

type sendMessageRequest struct {
	Content          string   `json:"content"`
	ImageURLs        []string `json:"imageUrls"`
	PromptResponseID string   `json:"promptResponseId"`
	ReplyInChat      bool     `json:"replyInChat"`
	ReplyToID        string   `json:"replyToId"`
}

type inviteResponse struct {
	InviteID  string `json:"inviteId"`
	GroupID   string `json:"groupId"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

func (s *server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	userID := requestctx.UserIDFromContext(r.Context())
	ticket, err := s.deps.Service.CreateGroup(r.Context(), userID, req.Name,
		idempotencyKey(r, string(workerdomain.KindCreateGroup), req.Name))
	s.writeTicket(w, ticket, err)
}

func (s *server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	userID := requestctx.UserIDFromContext(r.Context())
	ticket, err := s.deps.Service.DeleteGroup(r.Context(), groupID, userID,
		idempotencyKey(r, string(workerdomain.KindDeleteGroup), groupID))
	s.writeTicket(w, ticket, err)
}

func (s *server) leaveGroup(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	userID := requestctx.UserIDFromContext(r.Context())
	ticket, err := s.deps.Service.LeaveGroup(r.Context(), groupID, userID,
		idempotencyKey(r, string(workerdomain.KindLeaveGroup), groupID))
	s.writeTicket(w, ticket, err)
}

func (s *server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	groupID := chi.URLParam(r, "groupID")
	ticket, err := s.deps.Service.SendMessage(r.Context(), app.SendMessageInput{
		GroupID:          groupID,
		UserID:           requestctx.UserIDFromContext(r.Context()),
		Content:          req.Content,
		ImageURLs:        req.ImageURLs,
		PromptResponseID: req.PromptResponseID,
		ReplyInChat:      req.ReplyInChat,
		ReplyToID:        req.ReplyToID,
	}, idempotencyKey(r, string(workerdomain.KindSendMessage), groupID))
	s.writeTicket(w, ticket, err)
}

func (s *server) acceptInvite(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	userID := requestctx.UserIDFromContext(r.Context())
	ticket, err := s.deps.Service.AcceptInvite(r.Context(), token, userID,
		idempotencyKey(r, string(workerdomain.KindAcceptInvite), token))
	s.writeTicket(w, ticket, err)
}

func (s *server) writeTicket(w http.ResponseWriter, ticket app.JobTicket, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ticket)
}

func (s *server) jobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Admission.JobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *server) createInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	invite, err := s.deps.Invites.CreateInvite(r.Context(), app.CreateInviteInput{
		GroupID:   chi.URLParam(r, "groupID"),
		InvitedBy: requestctx.UserIDFromContext(r.Context()),
		Email:     req.Email,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inviteResponse{
		InviteID:  invite.ID,
		GroupID:   invite.GroupID,
		Token:     invite.Token,
		ExpiresAt: invite.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *server) previewInvite(w http.ResponseWriter, r *http.Request) {
	preview, err := s.deps.Invites.Preview(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (s *server) todayPrompt(w http.ResponseWriter, r *http.Request) {
	daily, err := s.deps.Prompts.Today(r.Context(), chi.URLParam(r, "groupID"), requestctx.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, daily)
}

func (s *server) submitResponse(w http.ResponseWriter, r *http.Request) {
	var req submitResponseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	response, err := s.deps.Prompts.SubmitResponse(r.Context(), app.SubmitResponseInput{
		GroupID:  chi.URLParam(r, "groupID"),
		UserID:   requestctx.UserIDFromContext(r.Context()),
		Content:  req.Content,
		ImageURL: req.ImageURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"responseId":   response.ID,
		"promptId":     response.PromptID,
		"responseDate": response.ResponseDate,
	})
}

func (s *server) pendingPrompts(w http.ResponseWriter, r *http.Request) {
	pending, err := s.deps.Prompts.PendingForUser(r.Context(), requestctx.UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompts": pending})
}
