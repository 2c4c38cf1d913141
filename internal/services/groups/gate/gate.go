// Package gate runs the synchronous precondition checks that decide whether
// a membership job is admitted.
//
// The gate is advisory. State can change between a check and the job's
// application, so every worker handler re-validates what it depends on.
package gate

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/timeouts"
	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

// Store is the read surface the gate needs.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (storage.Group, error)
	GetMembership(ctx context.Context, groupID string, userID string) (storage.Membership, error)
	CountMembers(ctx context.Context, groupID string) (int, error)
	CountUserGroups(ctx context.Context, userID string) (int, error)
	GetInviteByToken(ctx context.Context, token string) (storage.Invite, error)
}

// Gate checks job preconditions against current state.
type Gate struct {
	store  Store
	limits domain.Limits
	clock  func() time.Time
}

// New creates a gate. A nil clock uses time.Now.
func New(store Store, limits domain.Limits, clock func() time.Time) *Gate {
	if clock == nil {
		clock = time.Now
	}
	return &Gate{store: store, limits: limits.Normalized(), clock: clock}
}

// CheckCreateGroup rejects users already at their group bound.
func (g *Gate) CheckCreateGroup(ctx context.Context, userID string) error {
	if err := g.ready(); err != nil {
		return err
	}
	if userID == "" {
		return apperrors.Validation(apperrors.CodeValidation, "user id is required")
	}
	return g.checkUserBound(ctx, userID)
}

// CheckDeleteGroup requires the caller to own the group and be its only
// member.
func (g *Gate) CheckDeleteGroup(ctx context.Context, groupID string, userID string) error {
	if err := g.ready(); err != nil {
		return err
	}
	group, err := g.loadGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if group.OwnerID != userID {
		return apperrors.Validation(apperrors.CodeNotGroupOwner, "only the owner can delete a group")
	}
	members, err := g.countMembers(ctx, groupID)
	if err != nil {
		return err
	}
	if members > 1 {
		return apperrors.Validation(apperrors.CodeGroupHasMembers, "group still has other members")
	}
	return nil
}

// CheckLeaveGroup requires an existing membership.
func (g *Gate) CheckLeaveGroup(ctx context.Context, groupID string, userID string) error {
	if err := g.ready(); err != nil {
		return err
	}
	_, err := g.loadMembership(ctx, groupID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Validation(apperrors.CodeNotGroupMember, "user is not a member of the group")
	}
	return err
}

// CheckSendMessage requires the group to exist and the sender to belong to
// it.
func (g *Gate) CheckSendMessage(ctx context.Context, groupID string, userID string) error {
	if err := g.ready(); err != nil {
		return err
	}
	if _, err := g.loadGroup(ctx, groupID); err != nil {
		return err
	}
	_, err := g.loadMembership(ctx, groupID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Validation(apperrors.CodeNotGroupMember, "user is not a member of the group")
	}
	return err
}

// CheckAcceptInvite validates token for userID and returns the invite so the
// caller can build the job payload.
func (g *Gate) CheckAcceptInvite(ctx context.Context, token string, userID string) (storage.Invite, error) {
	if err := g.ready(); err != nil {
		return storage.Invite{}, err
	}
	if token == "" || userID == "" {
		return storage.Invite{}, apperrors.Validation(apperrors.CodeValidation, "token and user id are required")
	}
	invite, err := g.loadInvite(ctx, token)
	if err != nil {
		return storage.Invite{}, err
	}
	if invite.Expired(g.clock()) {
		return storage.Invite{}, apperrors.Validation(apperrors.CodeInviteExpired, "invite has expired")
	}
	if invite.Used() {
		return storage.Invite{}, apperrors.Conflict(apperrors.CodeInviteAlreadyUsed, "invite has already been used")
	}

	_, err = g.loadMembership(ctx, invite.GroupID, userID)
	switch {
	case err == nil:
		return storage.Invite{}, apperrors.Conflict(apperrors.CodeAlreadyMember, "user is already a member")
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Invite{}, err
	}

	members, err := g.countMembers(ctx, invite.GroupID)
	if err != nil {
		return storage.Invite{}, err
	}
	if members >= g.limits.MaxMembersPerGroup {
		return storage.Invite{}, apperrors.Validation(apperrors.CodeGroupFull, "group is full")
	}
	if err := g.checkUserBound(ctx, userID); err != nil {
		return storage.Invite{}, err
	}
	return invite, nil
}

func (g *Gate) ready() error {
	if g == nil || g.store == nil {
		return apperrors.Transient("gate store is not configured", nil)
	}
	return nil
}

func (g *Gate) checkUserBound(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	count, err := g.store.CountUserGroups(ctx, userID)
	if err != nil {
		return apperrors.Transient("count user groups", err)
	}
	if count >= g.limits.MaxGroupsPerUser {
		return apperrors.Validation(apperrors.CodeUserGroupLimit, "user is at the group limit")
	}
	return nil
}

func (g *Gate) loadGroup(ctx context.Context, groupID string) (storage.Group, error) {
	if groupID == "" {
		return storage.Group{}, apperrors.Validation(apperrors.CodeValidation, "group id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	group, err := g.store.GetGroup(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Group{}, apperrors.NotFound(apperrors.CodeGroupNotFound, "group not found")
	}
	if err != nil {
		return storage.Group{}, apperrors.Transient("load group", err)
	}
	return group, nil
}

// loadMembership passes storage.ErrNotFound through unclassified.
func (g *Gate) loadMembership(ctx context.Context, groupID, userID string) (storage.Membership, error) {
	if groupID == "" || userID == "" {
		return storage.Membership{}, apperrors.Validation(apperrors.CodeValidation, "group id and user id are required")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	m, err := g.store.GetMembership(ctx, groupID, userID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Membership{}, apperrors.Transient("load membership", err)
	}
	return m, err
}

func (g *Gate) countMembers(ctx context.Context, groupID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	count, err := g.store.CountMembers(ctx, groupID)
	if err != nil {
		return 0, apperrors.Transient("count members", err)
	}
	return count, nil
}

func (g *Gate) loadInvite(ctx context.Context, token string) (storage.Invite, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	invite, err := g.store.GetInviteByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Invite{}, apperrors.NotFound(apperrors.CodeInviteNotFound, "invite not found")
	}
	if err != nil {
		return storage.Invite{}, apperrors.Transient("load invite", err)
	}
	return invite, nil
}
