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

// AcceptInviteHandler applies accept-invite jobs.
type AcceptInviteHandler struct {
	deps Dependencies
}

// NewAcceptInviteHandler builds an accept-invite handler.
func NewAcceptInviteHandler(deps Dependencies) *AcceptInviteHandler {
	return &AcceptInviteHandler{deps: deps.normalized()}
}

// Handle re-validates the invite, then claims it and adds the membership
// under both bounds in one store transaction.
func (h *AcceptInviteHandler) Handle(ctx context.Context, job Job) Outcome {
	if h == nil || h.deps.Store == nil {
		return Retry(apperrors.Transient("accept invite handler is not configured", nil))
	}
	body, err := decodePayload[AcceptInvitePayload](job)
	if err != nil {
		return Failed(err)
	}

	invite, err := step(ctx, func(ctx context.Context) (groupstorage.Invite, error) {
		return h.deps.Store.GetInviteByToken(ctx, body.InviteToken)
	})
	switch {
	case errors.Is(err, groupstorage.ErrNotFound):
		return Failed(apperrors.NotFound(apperrors.CodeInviteNotFound, "invite not found"))
	case err != nil:
		return Retry(transient("load invite", err))
	}
	if invite.ID != body.InviteID || invite.GroupID != body.GroupID {
		return Failed(apperrors.Validation(apperrors.CodeInviteMismatch, "invite does not match job payload"))
	}

	existing, err := step(ctx, func(ctx context.Context) (groupstorage.Membership, error) {
		return h.deps.Store.GetMembership(ctx, body.GroupID, body.UserID)
	})
	switch {
	case err == nil:
		return h.alreadyMember(job, body, existing)
	case !errors.Is(err, groupstorage.ErrNotFound):
		return Retry(transient("load membership", err))
	}

	if invite.Used() {
		if invite.UsedJobID == job.ID {
			// This job redeemed it; the member has since left.
			return Succeeded(AcceptInviteResult{Joined: true, GroupID: body.GroupID})
		}
		return Failed(apperrors.Conflict(apperrors.CodeInviteAlreadyUsed, "invite already used"))
	}
	now := h.deps.now()
	if invite.Expired(now) {
		return Failed(apperrors.Invariant(apperrors.CodeInviteExpired, "invite expired before the job applied"))
	}

	membershipID, err := h.deps.NewID()
	if err != nil {
		return Retry(transient("generate membership id", err))
	}
	_, err = step(ctx, func(ctx context.Context) (groupstorage.Membership, error) {
		return h.deps.Store.RedeemInvite(ctx, invite.ID, groupstorage.Membership{
			ID:       membershipID,
			GroupID:  body.GroupID,
			UserID:   body.UserID,
			Role:     groupdomain.RoleMember,
			JobID:    job.ID,
			JoinedAt: now,
		}, h.deps.Limits)
	})
	switch {
	case err == nil:
		return Succeeded(AcceptInviteResult{Joined: true, GroupID: body.GroupID})
	case errors.Is(err, groupstorage.ErrAlreadyMember):
		// A concurrent delivery may have inserted it first.
		existing, getErr := step(ctx, func(ctx context.Context) (groupstorage.Membership, error) {
			return h.deps.Store.GetMembership(ctx, body.GroupID, body.UserID)
		})
		if getErr != nil {
			return Retry(transient("load membership", getErr))
		}
		return h.alreadyMember(job, body, existing)
	case errors.Is(err, groupstorage.ErrInviteUsed):
		h.deps.Logger.Info("invite claimed by a concurrent job", append(jobFields(job),
			zap.String("invite_id", invite.ID),
			zap.String(logging.KeyUserID, body.UserID),
		)...)
		return Failed(apperrors.Conflict(apperrors.CodeInviteAlreadyUsed, "invite already used"))
	case errors.Is(err, groupstorage.ErrInviteExpired):
		return Failed(apperrors.Invariant(apperrors.CodeInviteExpired, "invite expired before the job applied"))
	case errors.Is(err, groupstorage.ErrGroupFull):
		return Failed(apperrors.Invariant(apperrors.CodeGroupFull, "group filled before the invite applied"))
	case errors.Is(err, groupstorage.ErrUserGroupLimit):
		return Failed(apperrors.Invariant(apperrors.CodeUserGroupLimit, "user reached the group limit"))
	case errors.Is(err, groupstorage.ErrNotFound):
		return Failed(apperrors.NotFound(apperrors.CodeGroupNotFound, "group "+body.GroupID+" not found"))
	default:
		return Retry(transient("redeem invite", err))
	}
}

// alreadyMember treats a membership written by this job as a completed
// earlier delivery; any other membership is a conflict.
func (h *AcceptInviteHandler) alreadyMember(job Job, body AcceptInvitePayload, existing groupstorage.Membership) Outcome {
	if existing.JobID != job.ID {
		return Failed(apperrors.Conflict(apperrors.CodeAlreadyMember, "user is already a member"))
	}
	return Succeeded(AcceptInviteResult{Joined: true, GroupID: body.GroupID})
}
