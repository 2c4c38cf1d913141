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

// GroupLifecycleHandler applies create-group and delete-group jobs.
type GroupLifecycleHandler struct {
	deps Dependencies
}

// NewGroupLifecycleHandler builds a handler for group creation and deletion.
func NewGroupLifecycleHandler(deps Dependencies) *GroupLifecycleHandler {
	return &GroupLifecycleHandler{deps: deps.normalized()}
}

// Handle routes job to create or delete by kind.
func (h *GroupLifecycleHandler) Handle(ctx context.Context, job Job) Outcome {
	if h == nil || h.deps.Store == nil {
		return Retry(apperrors.Transient("group lifecycle handler is not configured", nil))
	}
	switch job.Kind {
	case KindCreateGroup:
		return h.create(ctx, job)
	case KindDeleteGroup:
		return h.delete(ctx, job)
	default:
		return Failed(apperrors.Validation(apperrors.CodeUnknownJobKind, "group lifecycle cannot apply "+string(job.Kind)))
	}
}

// create inserts the group keyed by the job id, then the owner membership.
// A redelivered job finds both rows and succeeds without writing, or finds
// the tombstone of its deleted group and reports that group. When the
// membership cannot be added the group is discarded so no ownerless group
// survives.
func (h *GroupLifecycleHandler) create(ctx context.Context, job Job) Outcome {
	body, err := decodePayload[CreateGroupPayload](job)
	if err != nil {
		return Failed(err)
	}
	name, err := groupdomain.NormalizeGroupName(body.Name)
	if err != nil {
		return Failed(err)
	}

	groupID, err := h.deps.NewID()
	if err != nil {
		return Retry(transient("generate group id", err))
	}
	now := h.deps.now()
	group, err := step(ctx, func(ctx context.Context) (groupstorage.Group, error) {
		return h.deps.Store.CreateGroup(ctx, groupstorage.Group{
			ID:          groupID,
			Name:        name,
			OwnerID:     body.OwnerID,
			CreateJobID: job.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	switch {
	case errors.Is(err, groupstorage.ErrGroupDeleted):
		// An earlier delivery created the group and it was deleted since.
		h.deps.Logger.Info("create job replayed after group deletion",
			append(jobFields(job), zap.String(logging.KeyGroupID, group.ID))...)
		return Succeeded(CreateGroupResult{GroupID: group.ID})
	case err != nil:
		return Retry(transient("create group", err))
	}

	membershipID, err := h.deps.NewID()
	if err != nil {
		return Retry(transient("generate membership id", err))
	}
	_, err = step(ctx, func(ctx context.Context) (groupstorage.Membership, error) {
		return h.deps.Store.AddMembership(ctx, groupstorage.Membership{
			ID:       membershipID,
			GroupID:  group.ID,
			UserID:   body.OwnerID,
			Role:     groupdomain.RoleOwner,
			JobID:    job.ID,
			JoinedAt: group.CreatedAt,
		}, h.deps.Limits)
	})
	if err == nil {
		return Succeeded(CreateGroupResult{GroupID: group.ID})
	}

	var cause error
	switch {
	case errors.Is(err, groupstorage.ErrAlreadyMember):
		existing, getErr := step(ctx, func(ctx context.Context) (groupstorage.Membership, error) {
			return h.deps.Store.GetMembership(ctx, group.ID, body.OwnerID)
		})
		if getErr != nil {
			return Retry(transient("load owner membership", getErr))
		}
		if existing.JobID == job.ID && existing.Role == groupdomain.RoleOwner {
			return Succeeded(CreateGroupResult{GroupID: group.ID})
		}
		cause = apperrors.Invariant(apperrors.CodeAlreadyMember, "owner membership belongs to another job")
	case errors.Is(err, groupstorage.ErrUserGroupLimit):
		cause = apperrors.Invariant(apperrors.CodeUserGroupLimit, "owner reached the group limit")
	case errors.Is(err, groupstorage.ErrGroupFull):
		cause = apperrors.Invariant(apperrors.CodeGroupFull, "new group reported full")
	case errors.Is(err, groupstorage.ErrNotFound):
		// A concurrent delivery of this job discarded the group.
		cause = transient("group vanished before owner membership", err)
	default:
		cause = transient("add owner membership", err)
	}

	h.deps.Logger.Warn("discarding group after failed owner membership",
		append(jobFields(job),
			zap.String(logging.KeyGroupID, group.ID),
			zap.String(logging.KeyErrorCode, string(apperrors.CodeOf(cause))),
			zap.Error(err),
		)...)
	if discardErr := stepErr(ctx, func(ctx context.Context) error {
		return h.deps.Store.DiscardGroup(ctx, group.ID, job.ID)
	}); discardErr != nil {
		h.deps.Logger.Error("discard group failed", append(jobFields(job),
			zap.String(logging.KeyGroupID, group.ID),
			zap.Error(discardErr),
		)...)
		return Retry(transient("discard group", discardErr))
	}
	return FromError(cause)
}

// delete removes the group when the actor is its owner and only member.
// A tombstone naming this job marks an earlier delivery that already
// committed.
func (h *GroupLifecycleHandler) delete(ctx context.Context, job Job) Outcome {
	body, err := decodePayload[DeleteGroupPayload](job)
	if err != nil {
		return Failed(err)
	}

	tombstone, err := step(ctx, func(ctx context.Context) (groupstorage.Tombstone, error) {
		return h.deps.Store.GetTombstone(ctx, body.GroupID)
	})
	switch {
	case err == nil && tombstone.JobID == job.ID:
		return Succeeded(DeleteGroupResult{Deleted: true})
	case err != nil && !errors.Is(err, groupstorage.ErrNotFound):
		return Retry(transient("load tombstone", err))
	}

	err = stepErr(ctx, func(ctx context.Context) error {
		return h.deps.Store.DeleteGroup(ctx, groupstorage.DeleteGroupInput{
			GroupID:      body.GroupID,
			ActorID:      body.UserID,
			JobID:        job.ID,
			RequireOwner: true,
			DeletedAt:    h.deps.now(),
		})
	})
	switch {
	case err == nil:
		return Succeeded(DeleteGroupResult{Deleted: true})
	case errors.Is(err, groupstorage.ErrNotFound):
		return Failed(apperrors.NotFound(apperrors.CodeGroupNotFound, "group "+body.GroupID+" not found"))
	case errors.Is(err, groupstorage.ErrConflict):
		group, getErr := step(ctx, func(ctx context.Context) (groupstorage.Group, error) {
			return h.deps.Store.GetGroup(ctx, body.GroupID)
		})
		switch {
		case errors.Is(getErr, groupstorage.ErrNotFound):
			return Failed(apperrors.NotFound(apperrors.CodeGroupNotFound, "group "+body.GroupID+" not found"))
		case getErr != nil:
			return Retry(transient("load group", getErr))
		case group.OwnerID != body.UserID:
			return Failed(apperrors.Invariant(apperrors.CodeNotGroupOwner, "user is no longer the group owner"))
		default:
			return Failed(apperrors.Invariant(apperrors.CodeGroupHasMembers, "group gained members before deletion"))
		}
	default:
		return Retry(transient("delete group", err))
	}
}
