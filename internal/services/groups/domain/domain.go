// Package domain holds the group rules shared by the request path and the
// worker: roles, configured bounds, and group name and message validation.
package domain

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
)

// Role is a member's standing within a group.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleMember
}

const (
	DefaultMaxGroupsPerUser   = 20
	DefaultMaxMembersPerGroup = 10
	DefaultInviteExpiryDays   = 7

	// MaxGroupNameLength counts runes after normalization.
	MaxGroupNameLength = 50

	// MaxMessageLength counts runes of trimmed message content.
	MaxMessageLength    = 2000
	MaxImagesPerMessage = 10
)

// MessageType distinguishes chat messages from prompt replies.
type MessageType string

const (
	MessageTypeChat  MessageType = "message"
	MessageTypeReply MessageType = "prompt_reply"
)

// MessageTypeFor classifies a message. A message answering a prompt
// response is a reply unless it was posted into the chat.
func MessageTypeFor(promptResponseID string, replyInChat bool) MessageType {
	if strings.TrimSpace(promptResponseID) != "" && !replyInChat {
		return MessageTypeReply
	}
	return MessageTypeChat
}

// Limits are the membership bounds enforced at the gate and again when a job
// is applied.
type Limits struct {
	MaxGroupsPerUser   int
	MaxMembersPerGroup int
}

// DefaultLimits returns the stock bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxGroupsPerUser:   DefaultMaxGroupsPerUser,
		MaxMembersPerGroup: DefaultMaxMembersPerGroup,
	}
}

// Normalized replaces non-positive values with defaults.
func (l Limits) Normalized() Limits {
	if l.MaxGroupsPerUser <= 0 {
		l.MaxGroupsPerUser = DefaultMaxGroupsPerUser
	}
	if l.MaxMembersPerGroup <= 0 {
		l.MaxMembersPerGroup = DefaultMaxMembersPerGroup
	}
	return l
}

// NormalizeGroupName trims and NFC-normalizes name and checks its length.
func NormalizeGroupName(name string) (string, error) {
	name = norm.NFC.String(strings.TrimSpace(name))
	if name == "" {
		return "", apperrors.Validation(apperrors.CodeGroupNameEmpty, "group name is required")
	}
	if utf8.RuneCountInString(name) > MaxGroupNameLength {
		return "", apperrors.Validation(apperrors.CodeGroupNameTooLong, "group name exceeds 50 characters")
	}
	return name, nil
}

// NormalizeMessage trims content and checks it against the message bounds.
// A message needs text or at least one image.
func NormalizeMessage(content string, imageURLs []string) (string, []string, error) {
	content = strings.TrimSpace(content)
	images := make([]string, 0, len(imageURLs))
	for _, url := range imageURLs {
		if url = strings.TrimSpace(url); url != "" {
			images = append(images, url)
		}
	}
	if content == "" && len(images) == 0 {
		return "", nil, apperrors.Validation(apperrors.CodeMessageEmpty, "message must have content or an image")
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return "", nil, apperrors.Validation(apperrors.CodeMessageTooLong, "message exceeds 2000 characters")
	}
	if len(images) > MaxImagesPerMessage {
		return "", nil, apperrors.Validation(apperrors.CodeMessageTooManyImages, "message has more than 10 images")
	}
	return content, images, nil
}
