package domain

import (
	"context"
	"errors"

	"go.uber.org/zap"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/logging"
	groupdomain "github.com/broseph/broseph/internal/services/groups/domain"
	groupstorage "github.com/broseph/broseph/internal/services/groups/storage"
)

// SendMessageHandler applies send-message jobs.
type SendMessageHandler struct {
	deps Dependencies
}

// NewSendMessageHandler builds a send-message handler.
func NewSendMessageHandler(deps Dependencies) *SendMessageHandler {
	return &SendMessageHandler{deps: deps.normalized()}
}

// Handle posts the message if the sender is still a member. The message
// row is keyed by the job id, so a redelivery returns the first message.
func (h *SendMessageHandler) Handle(ctx context.Context, job Job) Outcome {
	if h == nil || h.deps.Store == nil {
		return Retry(apperrors.Transient("send message handler is not configured", nil))
	}
	body, err := decodePayload[SendMessagePayload](job)
	if err != nil {
		return Failed(err)
	}
	content, images, err := groupdomain.NormalizeMessage(body.Content, body.ImageURLs)
	if err != nil {
		return Failed(err)
	}

	messageID, err := h.deps.NewID()
	if err != nil {
		return Retry(transient("generate message id", err))
	}
	msg, err := step(ctx, func(ctx context.Context) (groupstorage.Message, error) {
		return h.deps.Store.CreateMessage(ctx, groupstorage.Message{
			ID:               messageID,
			GroupID:          body.GroupID,
			SenderID:         body.SenderID,
			Content:          content,
			Type:             groupdomain.MessageTypeFor(body.PromptResponseID, body.ReplyInChat),
			PromptResponseID: body.PromptResponseID,
			ReplyToID:        body.ReplyToID,
			ImageURLs:        images,
			JobID:            job.ID,
			CreatedAt:        h.deps.now(),
		})
	})
	switch {
	case err == nil:
	case errors.Is(err, groupstorage.ErrNotFound):
		return Failed(apperrors.NotFound(apperrors.CodeGroupNotFound, "group "+body.GroupID+" not found"))
	case errors.Is(err, groupstorage.ErrNotMember):
		return Failed(apperrors.Invariant(apperrors.CodeNotGroupMember, "sender left the group before the message applied"))
	case errors.Is(err, groupstorage.ErrReferenceNotFound):
		return Failed(apperrors.NotFound(apperrors.CodeMessageReferenceNotFound, "reply target or prompt response not in group"))
	default:
		return Retry(transient("create message", err))
	}

	h.deps.Logger.Debug("message posted", append(jobFields(job),
		zap.String(logging.KeyGroupID, body.GroupID),
		zap.String(logging.KeyUserID, body.SenderID),
		zap.String("message_id", msg.ID),
	)...)
	return Succeeded(SendMessageResult{MessageID: msg.ID})
}
