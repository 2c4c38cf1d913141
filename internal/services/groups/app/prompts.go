package app

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/broseph/broseph/internal/platform/errors"
	"github.com/broseph/broseph/internal/platform/id"
	"github.com/broseph/broseph/internal/platform/timeouts"
	"github.com/broseph/broseph/internal/services/groups/prompts"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

// PromptStore is the storage surface for daily prompt answers.
type PromptStore interface {
	GetMembership(ctx context.Context, groupID string, userID string) (storage.Membership, error)
	ListUserGroups(ctx context.Context, userID string) ([]storage.Group, error)
	CreatePromptResponse(ctx context.Context, response storage.PromptResponse) error
	ListUserPromptResponses(ctx context.Context, userID string, responseDate string) ([]storage.PromptResponse, error)
}

// DailyPrompt is a group's prompt for one date.
type DailyPrompt struct {
	GroupID   string         `json:"groupId"`
	GroupName string         `json:"groupName,omitempty"`
	Date      string         `json:"date"`
	Prompt    prompts.Prompt `json:"prompt"`
	Answered  bool           `json:"answered"`
}

// SubmitResponseInput is one member's answer to today's prompt.
type SubmitResponseInput struct {
	GroupID  string
	UserID   string
	Content  string
	ImageURL string
}

// Prompts serves daily prompts and records answers.
type Prompts struct {
	store PromptStore
	clock func() time.Time
}

// NewPrompts builds the prompt service. A nil clock uses time.Now.
func NewPrompts(store PromptStore, clock func() time.Time) *Prompts {
	if clock == nil {
		clock = time.Now
	}
	return &Prompts{store: store, clock: clock}
}

// Today returns the group's prompt for the current UTC date.
func (s *Prompts) Today(ctx context.Context, groupID, userID string) (DailyPrompt, error) {
	if s == nil || s.store == nil {
		return DailyPrompt{}, apperrors.Transient("prompt store is not configured", nil)
	}
	if err := s.requireMember(ctx, groupID, userID); err != nil {
		return DailyPrompt{}, err
	}
	now := s.clock()
	date := prompts.DateKey(now)
	answered, err := s.answeredGroups(ctx, userID, date)
	if err != nil {
		return DailyPrompt{}, err
	}
	return DailyPrompt{
		GroupID:  groupID,
		Date:     date,
		Prompt:   prompts.ForGroupOnDate(groupID, now),
		Answered: answered[groupID],
	}, nil
}

// SubmitResponse stores a member's answer. Each member answers once per
// group per day.
func (s *Prompts) SubmitResponse(ctx context.Context, input SubmitResponseInput) (storage.PromptResponse, error) {
	if s == nil || s.store == nil {
		return storage.PromptResponse{}, apperrors.Transient("prompt store is not configured", nil)
	}
	content := strings.TrimSpace(input.Content)
	imageURL := strings.TrimSpace(input.ImageURL)
	if content == "" && imageURL == "" {
		return storage.PromptResponse{}, apperrors.Validation(apperrors.CodePromptContentEmpty, "response needs content or an image")
	}
	if err := s.requireMember(ctx, input.GroupID, input.UserID); err != nil {
		return storage.PromptResponse{}, err
	}

	responseID, err := id.NewID()
	if err != nil {
		return storage.PromptResponse{}, apperrors.Transient("generate response id", err)
	}
	now := s.clock().UTC()
	response := storage.PromptResponse{
		ID:           responseID,
		GroupID:      input.GroupID,
		UserID:       input.UserID,
		PromptID:     prompts.ForGroupOnDate(input.GroupID, now).ID,
		ResponseDate: prompts.DateKey(now),
		Content:      content,
		ImageURL:     imageURL,
		CreatedAt:    now,
	}

	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	err = s.store.CreatePromptResponse(ctx, response)
	switch {
	case errors.Is(err, storage.ErrConflict):
		return storage.PromptResponse{}, apperrors.Conflict(apperrors.CodePromptAlreadyAnswered, "already answered today")
	case errors.Is(err, storage.ErrNotFound):
		return storage.PromptResponse{}, apperrors.NotFound(apperrors.CodeGroupNotFound, "group not found")
	case err != nil:
		return storage.PromptResponse{}, apperrors.Transient("create prompt response", err)
	}
	return response, nil
}

// PendingForUser lists today's prompts the user has not answered yet.
func (s *Prompts) PendingForUser(ctx context.Context, userID string) ([]DailyPrompt, error) {
	if s == nil || s.store == nil {
		return nil, apperrors.Transient("prompt store is not configured", nil)
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperrors.Validation(apperrors.CodeValidation, "user id is required")
	}
	now := s.clock()
	date := prompts.DateKey(now)

	listCtx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	groups, err := s.store.ListUserGroups(listCtx, userID)
	cancel()
	if err != nil {
		return nil, apperrors.Transient("list user groups", err)
	}
	answered, err := s.answeredGroups(ctx, userID, date)
	if err != nil {
		return nil, err
	}

	pending := make([]DailyPrompt, 0, len(groups))
	for _, group := range groups {
		if answered[group.ID] {
			continue
		}
		pending = append(pending, DailyPrompt{
			GroupID:   group.ID,
			GroupName: group.Name,
			Date:      date,
			Prompt:    prompts.ForGroupOnDate(group.ID, now),
		})
	}
	return pending, nil
}

func (s *Prompts) answeredGroups(ctx context.Context, userID, date string) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	responses, err := s.store.ListUserPromptResponses(ctx, userID, date)
	if err != nil {
		return nil, apperrors.Transient("list prompt responses", err)
	}
	answered := make(map[string]bool, len(responses))
	for _, response := range responses {
		answered[response.GroupID] = true
	}
	return answered, nil
}

func (s *Prompts) requireMember(ctx context.Context, groupID, userID string) error {
	if strings.TrimSpace(groupID) == "" || strings.TrimSpace(userID) == "" {
		return apperrors.Validation(apperrors.CodeValidation, "group id and user id are required")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.StoreOp)
	defer cancel()
	_, err := s.store.GetMembership(ctx, groupID, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.Validation(apperrors.CodeNotGroupMember, "user is not a member of the group")
	}
	if err != nil {
		return apperrors.Transient("load membership", err)
	}
	return nil
}
