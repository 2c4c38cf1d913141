package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/id"
	"github.com/broseph/broseph/internal/platform/timeouts"
	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

const inviteTokenBytes = 32

// InviteStore is the storage surface used to issue and preview invites.
type InviteStore interface {
	GetGroup(ctx context.Context, groupID string) (storage.Group, error)
	GetMembership(ctx context.Context, groupID string, userID string) (storage.Membership, error)
	CountMembers(ctx context.Context, groupID string) (int, error)
	CreateInvite(ctx context.Context, invite storage.Invite) error
	GetInviteByToken(ctx context.Context, token string) (storage.Invite, error)
}

// InviteConfig sets invite lifetime and the group bound shown in previews.
type InviteConfig struct {
	ExpiryDays int
	Limits     domain.Limits
}

// CreateInviteInput describes an invite issued by a member.
type CreateInviteInput struct {
	GroupID   string
	InvitedBy string
	Email     string
}

// InvitePreview is what an invitee sees before accepting.
type InvitePreview struct {
	InviteID    string    `json:"inviteId"`
	GroupID     string    `json:"groupId"`
	GroupName   string    `json:"groupName"`
	MemberCount int       `json:"memberCount"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Expired     bool      `json:"expired"`
	Used        bool      `json:"used"`
	Full        bool      `json:"full"`
}

// Invites issues single-use invite tokens.
type Invites struct {
	store    InviteStore
	cfg      InviteConfig
	clock    func() time.Time
	newToken func() (string, error)
}

// NewInvites builds the invite service. A nil clock uses time.Now.
func NewInvites(store InviteStore, cfg InviteConfig, clock func() time.Time) *Invites {
	if clock == nil {
		clock = time.Now
	}
	if cfg.ExpiryDays <= 0 {
		cfg.ExpiryDays = domain.DefaultInviteExpiryDays
	}
	cfg.Limits = cfg.Limits.Normalized()
	return &Invites{store: store, cfg: cfg, clock: clock, newToken: newInviteToken}
}

// CreateInvite issues an invite to a group the inviter belongs to.
func (s *Invites) CreateInvite(ctx context.Context, input CreateInviteInput) (storage.Invite, error) {
	if s == nil || s.store == nil {
		return storage.Invite{}, apperrors.Transient("invite store is not configured", nil)
	}
	groupID := strings.TrimSpace(input.GroupID)
	inviter := strings.TrimSpace(input.InvitedBy)
	if groupID == "" || inviter == "" {
		return storage.Invite{}, apperrors.Validation(apperrors.CodeValidation, "group id and inviter are required")
	}
	if err := s.requireMember(ctx, groupID, inviter); err != nil {
		return storage.Invite{}, err
	}

	inviteID, err := id.NewID()
	if err != nil {
		return storage.Invite{}, apperrors.Transient("generate invite id", err)
	}
	token, err := s.newToken()
	if err != nil {
		return storage.Invite{}, apperrors.Transient("generate invite token", err)
	}
	now := s.clock().UTC()
	invite := storage.Invite{
		ID:        inviteID,
		GroupID:   groupID,
		InvitedBy: inviter,
		Token:     token,
		Email:     strings.TrimSpace(input.Email),
		ExpiresAt: now.Add(time.Duration(s.cfg.ExpiryDays) * 24 * time.Hour),
		CreatedAt: now,
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	err = s.store.CreateInvite(ctx, invite)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Invite{}, apperrors.NotFound(apperrors.CodeGroupNotFound, "group not found")
	}
	if err != nil {
		return storage.Invite{}, apperrors.Transient("create invite", err)
	}
	return invite, nil
}

// Preview describes the invite behind token without redeeming it.
func (s *Invites) Preview(ctx context.Context, token string) (InvitePreview, error) {
	if s == nil || s.store == nil {
		return InvitePreview{}, apperrors.Transient("invite store is not configured", nil)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return InvitePreview{}, apperrors.Validation(apperrors.CodeValidation, "token is required")
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	invite, err := s.store.GetInviteByToken(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return InvitePreview{}, apperrors.NotFound(apperrors.CodeInviteNotFound, "invite not found")
	}
	if err != nil {
		return InvitePreview{}, apperrors.Transient("load invite", err)
	}
	group, err := s.store.GetGroup(ctx, invite.GroupID)
	if errors.Is(err, storage.ErrNotFound) {
		return InvitePreview{}, apperrors.NotFound(apperrors.CodeGroupNotFound, "group not found")
	}
	if err != nil {
		return InvitePreview{}, apperrors.Transient("load group", err)
	}
	members, err := s.store.CountMembers(ctx, invite.GroupID)
	if err != nil {
		return InvitePreview{}, apperrors.Transient("count members", err)
	}
	return InvitePreview{
		InviteID:    invite.ID,
		GroupID:     group.ID,
		GroupName:   group.Name,
		MemberCount: members,
		ExpiresAt:   invite.ExpiresAt,
		Expired:     invite.Expired(s.clock()),
		Used:        invite.Used(),
		Full:        members >= s.cfg.Limits.MaxMembersPerGroup,
	}, nil
}

func (s *Invites) requireMember(ctx context.Context, groupID, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound(apperrors.CodeGroupNotFound, "group not found")
		}
		return apperrors.Transient("load group", err)
	}
	if _, err := s.store.GetMembership(ctx, groupID, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.Validation(apperrors.CodeNotGroupMember, "only members can invite")
		}
		return apperrors.Transient("load membership", err)
	}
	return nil
}

func newInviteToken() (string, error) {
	buf := make([]byte, inviteTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
