package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/broseph/broseph/internal/platform/storage/sqliteconn"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

// CreatePromptResponse stores one answer. The (group, user, date) unique
// index rejects a second answer for the same day.
func (s *Store) CreatePromptResponse(ctx context.Context, response storage.PromptResponse) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	var err error
	if response.ID, err = required("response id", response.ID); err != nil {
		return err
	}
	if response.GroupID, err = required("group id", response.GroupID); err != nil {
		return err
	}
	if response.UserID, err = required("user id", response.UserID); err != nil {
		return err
	}
	if response.PromptID, err = required("prompt id", response.PromptID); err != nil {
		return err
	}
	if response.ResponseDate, err = required("response date", response.ResponseDate); err != nil {
		return err
	}
	response.CreatedAt = nowOr(response.CreatedAt)

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO prompt_responses (id, group_id, user_id, prompt_id, response_date, content, image_url, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		response.ID,
		response.GroupID,
		response.UserID,
		response.PromptID,
		response.ResponseDate,
		strings.TrimSpace(response.Content),
		strings.TrimSpace(response.ImageURL),
		toMillis(response.CreatedAt),
	)
	if err != nil {
		if sqliteconn.IsForeignKeyError(err) {
			return storage.ErrNotFound
		}
		if sqliteconn.IsConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("create prompt response: %w", err)
	}
	return nil
}

// ListUserPromptResponses returns userID's answers for responseDate.
func (s *Store) ListUserPromptResponses(ctx context.Context, userID string, responseDate string) ([]storage.PromptResponse, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	userID, err := required("user id", userID)
	if err != nil {
		return nil, err
	}
	responseDate, err = required("response date", responseDate)
	if err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, group_id, user_id, prompt_id, response_date, content, image_url, created_at
FROM prompt_responses
WHERE user_id = ? AND response_date = ?
ORDER BY created_at ASC, id ASC
`, userID, responseDate)
	if err != nil {
		return nil, fmt.Errorf("list prompt responses: %w", err)
	}
	defer rows.Close()

	responses := make([]storage.PromptResponse, 0)
	for rows.Next() {
		var (
			r         storage.PromptResponse
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.GroupID, &r.UserID, &r.PromptID, &r.ResponseDate, &r.Content, &r.ImageURL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan prompt response: %w", err)
		}
		r.CreatedAt = fromMillis(createdAt)
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt responses: %w", err)
	}
	return responses, nil
}
