// Package storage defines the durable group state contracts: groups,
// memberships, invites, deletion tombstones, daily prompt responses, and
// chat messages.
//
// Every mutating method is a conditional write. Callers coordinate through
// these conditions and the store's uniqueness constraints, never through
// in-process locks.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/broseph/broseph/internal/services/groups/domain"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyMember indicates a (group, user) membership already exists.
	ErrAlreadyMember = errors.New("user is already a member")
	// ErrGroupFull indicates the group is at its member bound.
	ErrGroupFull = errors.New("group is full")
	// ErrUserGroupLimit indicates the user is at their group bound.
	ErrUserGroupLimit = errors.New("user group limit reached")
	// ErrConflict indicates a conditional write lost to concurrent state.
	ErrConflict = errors.New("conditional write conflict")
	// ErrInviteUsed indicates the invite was already redeemed.
	ErrInviteUsed = errors.New("invite already used")
	// ErrInviteExpired indicates the invite expired before redemption.
	ErrInviteExpired = errors.New("invite expired")
	// ErrGroupDeleted indicates the group created by a create job has
	// since been deleted.
	ErrGroupDeleted = errors.New("group deleted")
	// ErrNotMember indicates the user has no membership in the group.
	ErrNotMember = errors.New("user is not a member")
	// ErrReferenceNotFound indicates a message names a reply target or
	// prompt response that is not in its group.
	ErrReferenceNotFound = errors.New("referenced record not found")
)

// Group is one group row. OwnerTransferJobID names the job that last moved
// ownership.
type Group struct {
	ID                 string
	Name               string
	OwnerID            string
	CreateJobID        string
	OwnerTransferJobID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Membership links a user to a group. Seq is assigned by the store and
// breaks ties between equal JoinedAt values.
type Membership struct {
	Seq      int64
	ID       string
	GroupID  string
	UserID   string
	Role     domain.Role
	JobID    string
	JoinedAt time.Time
}

// Invite is a single-use group invitation.
type Invite struct {
	ID        string
	GroupID   string
	InvitedBy string
	Token     string
	Email     string
	ExpiresAt time.Time
	UsedAt    *time.Time
	UsedBy    string
	UsedJobID string
	CreatedAt time.Time
}

// Used reports whether the invite was redeemed.
func (i Invite) Used() bool {
	return i.UsedAt != nil
}

// Expired reports whether the invite is past its expiry at now.
func (i Invite) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Tombstone records which job deleted a group, and which job created it.
type Tombstone struct {
	GroupID     string
	JobID       string
	CreateJobID string
	DeletedBy   string
	DeletedAt   time.Time
}

// PromptResponse is one answer to a group's daily prompt.
type PromptResponse struct {
	ID           string
	GroupID      string
	UserID       string
	PromptID     string
	ResponseDate string
	Content      string
	ImageURL     string
	CreatedAt    time.Time
}

// Message is one chat message. Type is domain.MessageTypeReply when the
// message answers a prompt response outside the chat.
type Message struct {
	ID               string
	GroupID          string
	SenderID         string
	Content          string
	Type             domain.MessageType
	PromptResponseID string
	ReplyToID        string
	ImageURLs        []string
	JobID            string
	CreatedAt        time.Time
}

// DeleteGroupInput describes a conditional group deletion. The group is
// deleted only when ActorID is its only member, and, with RequireOwner, its
// owner of record. A tombstone naming JobID is written in the same
// transaction.
type DeleteGroupInput struct {
	GroupID      string
	ActorID      string
	JobID        string
	RequireOwner bool
	DeletedAt    time.Time
}

// GroupStore persists groups and their deletion tombstones.
type GroupStore interface {
	// CreateGroup inserts g. When a group with the same CreateJobID already
	// exists, that group is returned instead. When that group was since
	// deleted, the returned group carries only its ID and CreateJobID and
	// the error is ErrGroupDeleted.
	CreateGroup(ctx context.Context, g Group) (Group, error)
	GetGroup(ctx context.Context, groupID string) (Group, error)
	ListUserGroups(ctx context.Context, userID string) ([]Group, error)
	// DeleteGroup returns ErrNotFound when the group is absent and
	// ErrConflict when the conditions in input no longer hold.
	DeleteGroup(ctx context.Context, input DeleteGroupInput) error
	// DiscardGroup removes a group created by createJobID without writing a
	// tombstone. Missing groups are not an error.
	DiscardGroup(ctx context.Context, groupID string, createJobID string) error
	GetTombstone(ctx context.Context, groupID string) (Tombstone, error)
}

// MembershipStore persists memberships.
type MembershipStore interface {
	// AddMembership inserts m when the group exists and both bounds in
	// limits still hold, returning the stored row with its Seq.
	AddMembership(ctx context.Context, m Membership, limits domain.Limits) (Membership, error)
	GetMembership(ctx context.Context, groupID string, userID string) (Membership, error)
	// ListMemberships returns members ordered by (JoinedAt, Seq).
	ListMemberships(ctx context.Context, groupID string) ([]Membership, error)
	CountMembers(ctx context.Context, groupID string) (int, error)
	CountUserGroups(ctx context.Context, userID string) (int, error)
	// TransferOwnership makes toUserID the owner of record and promotes
	// their membership, demoting fromUserID, and records jobID as the
	// transferring job. Re-running after success is a no-op.
	TransferOwnership(ctx context.Context, groupID string, fromUserID string, toUserID string, jobID string) error
	// RemoveMembership refuses to remove the owner of record or the last
	// member (ErrConflict).
	RemoveMembership(ctx context.Context, groupID string, userID string) error
}

// InviteStore persists invites.
type InviteStore interface {
	CreateInvite(ctx context.Context, invite Invite) error
	GetInviteByToken(ctx context.Context, token string) (Invite, error)
	// RedeemInvite claims the invite for m.UserID and m.JobID and inserts
	// m under limits in one transaction; either both commit or neither
	// does. The claim requires the invite to be unused and unexpired at
	// m.JoinedAt (ErrInviteUsed, ErrInviteExpired). Membership failures
	// match AddMembership.
	RedeemInvite(ctx context.Context, inviteID string, m Membership, limits domain.Limits) (Membership, error)
}

// PromptResponseStore persists daily prompt answers.
type PromptResponseStore interface {
	// CreatePromptResponse returns ErrConflict when the user already
	// answered for the group on the same date.
	CreatePromptResponse(ctx context.Context, response PromptResponse) error
	ListUserPromptResponses(ctx context.Context, userID string, responseDate string) ([]PromptResponse, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	// CreateMessage inserts m once per JobID and returns the stored row.
	// The sender must be a member (ErrNotMember) and any reply target or
	// prompt response must belong to the group (ErrReferenceNotFound).
	CreateMessage(ctx context.Context, m Message) (Message, error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
}

// Store is the full groups persistence surface.
type Store interface {
	GroupStore
	MembershipStore
	InviteStore
	PromptResponseStore
	MessageStore
	Close() error
}
