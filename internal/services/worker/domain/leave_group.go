package domain

import (
	"context"
	"errors"

	"go.uber.org/zap"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/logging"
	groupstorage "github.com/broseph/broseph/internal/services/groups/storage"
)

// leavePasses bounds how often a leave re-reads membership after losing a
// conditional write to a concurrent job.
const leavePasses = 3

// LeaveGroupHandler applies leave-group jobs, including ownership
// succession and deletion of a group its last member leaves.
type LeaveGroupHandler struct {
	deps Dependencies
}

// NewLeaveGroupHandler builds a leave-group handler.
func NewLeaveGroupHandler(deps Dependencies) *LeaveGroupHandler {
	return &LeaveGroupHandler{deps: deps.normalized()}
}

// Handle removes the user from the group. The earliest-joined remaining
// member inherits ownership when the owner leaves.
func (h *LeaveGroupHandler) Handle(ctx context.Context, job Job) Outcome {
	if h == nil || h.deps.Store == nil {
		return Retry(apperrors.Transient("leave handler is not configured", nil))
	}
	body, err := decodePayload[LeaveGroupPayload](job)
	if err != nil {
		return Failed(err)
	}

	result := LeaveGroupResult{}
	for pass := 0; pass < leavePasses; pass++ {
		done, outcome := h.pass(ctx, job, body, &result)
		if done {
			return outcome
		}
		h.deps.Logger.Debug("leave lost a race, re-reading membership",
			append(jobFields(job), zap.String(logging.KeyGroupID, body.GroupID), zap.Int("pass", pass+1))...)
	}
	return Retry(apperrors.New(apperrors.ClassTransient, apperrors.CodeStateRace, "membership kept changing during leave"))
}

// pass runs one read-decide-write cycle. It reports done=false when a
// conditional write lost to concurrent state and the cycle should repeat.
func (h *LeaveGroupHandler) pass(ctx context.Context, job Job, body LeaveGroupPayload, result *LeaveGroupResult) (bool, Outcome) {
	members, err := step(ctx, func(ctx context.Context) ([]groupstorage.Membership, error) {
		return h.deps.Store.ListMemberships(ctx, body.GroupID)
	})
	if err != nil {
		return true, Retry(transient("list memberships", err))
	}

	if !containsUser(members, body.UserID) {
		// Already gone: an earlier delivery finished, or the group was
		// deleted. Only our own tombstone means this job deleted it.
		tombstone, err := step(ctx, func(ctx context.Context) (groupstorage.Tombstone, error) {
			return h.deps.Store.GetTombstone(ctx, body.GroupID)
		})
		switch {
		case err == nil:
			result.GroupDeleted = tombstone.JobID == job.ID
		case errors.Is(err, groupstorage.ErrNotFound):
			group, err := step(ctx, func(ctx context.Context) (groupstorage.Group, error) {
				return h.deps.Store.GetGroup(ctx, body.GroupID)
			})
			switch {
			case err == nil:
				recallTransfer(job, group, result)
			case !errors.Is(err, groupstorage.ErrNotFound):
				return true, Retry(transient("load group", err))
			}
		default:
			return true, Retry(transient("load tombstone", err))
		}
		result.Left = true
		return true, Succeeded(*result)
	}

	if len(members) == 1 {
		err := stepErr(ctx, func(ctx context.Context) error {
			return h.deps.Store.DeleteGroup(ctx, groupstorage.DeleteGroupInput{
				GroupID:   body.GroupID,
				ActorID:   body.UserID,
				JobID:     job.ID,
				DeletedAt: h.deps.now(),
			})
		})
		switch {
		case err == nil:
			return true, Succeeded(LeaveGroupResult{Left: true, GroupDeleted: true})
		case errors.Is(err, groupstorage.ErrConflict), errors.Is(err, groupstorage.ErrNotFound):
			return false, Outcome{}
		default:
			return true, Retry(transient("delete group", err))
		}
	}

	group, err := step(ctx, func(ctx context.Context) (groupstorage.Group, error) {
		return h.deps.Store.GetGroup(ctx, body.GroupID)
	})
	switch {
	case errors.Is(err, groupstorage.ErrNotFound):
		return false, Outcome{}
	case err != nil:
		return true, Retry(transient("load group", err))
	}

	recallTransfer(job, group, result)
	if group.OwnerID == body.UserID {
		successor, ok := firstOther(members, body.UserID)
		if !ok {
			return false, Outcome{}
		}
		err := stepErr(ctx, func(ctx context.Context) error {
			return h.deps.Store.TransferOwnership(ctx, body.GroupID, body.UserID, successor.UserID, job.ID)
		})
		switch {
		case err == nil:
			result.NewOwnerID = successor.UserID
			h.deps.Logger.Info("transferred group ownership", append(jobFields(job),
				zap.String(logging.KeyGroupID, body.GroupID),
				zap.String(logging.KeyUserID, body.UserID),
				zap.String("new_owner_id", successor.UserID),
			)...)
		case errors.Is(err, groupstorage.ErrConflict), errors.Is(err, groupstorage.ErrNotFound):
			return false, Outcome{}
		default:
			return true, Retry(transient("transfer ownership", err))
		}
	}

	err = stepErr(ctx, func(ctx context.Context) error {
		return h.deps.Store.RemoveMembership(ctx, body.GroupID, body.UserID)
	})
	switch {
	case err == nil, errors.Is(err, groupstorage.ErrNotFound):
		result.Left = true
		return true, Succeeded(*result)
	case errors.Is(err, groupstorage.ErrConflict):
		return false, Outcome{}
	default:
		return true, Retry(transient("remove membership", err))
	}
}

// recallTransfer reports the successor chosen by an earlier delivery of job.
// The group names the job that last moved ownership, so a match means the
// current owner is the one this job appointed.
func recallTransfer(job Job, group groupstorage.Group, result *LeaveGroupResult) {
	if group.OwnerTransferJobID == job.ID && result.NewOwnerID == "" {
		result.NewOwnerID = group.OwnerID
	}
}

func containsUser(members []groupstorage.Membership, userID string) bool {
	for _, m := range members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// firstOther returns the earliest-joined member other than userID. members
// must be in (JoinedAt, Seq) order.
func firstOther(members []groupstorage.Membership, userID string) (groupstorage.Membership, bool) {
	for _, m := range members {
		if m.UserID != userID {
			return m, true
		}
	}
	return groupstorage.Membership{}, false
}
