package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

const messageColumns = `id, group_id, sender_id, content, type, prompt_response_id, reply_to_id, image_urls, job_id, created_at`

// CreateMessage inserts a message once per job. Membership and the
// references are checked in the same statement as the insert, so a sender
// who left before the job applied cannot post.
func (s *Store) CreateMessage(ctx context.Context, m storage.Message) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	var err error
	if m.ID, err = required("message id", m.ID); err != nil {
		return storage.Message{}, err
	}
	if m.GroupID, err = required("group id", m.GroupID); err != nil {
		return storage.Message{}, err
	}
	if m.SenderID, err = required("sender id", m.SenderID); err != nil {
		return storage.Message{}, err
	}
	if m.JobID, err = required("job id", m.JobID); err != nil {
		return storage.Message{}, err
	}
	if m.Type == "" {
		m.Type = domain.MessageTypeChat
	}
	if m.ImageURLs == nil {
		m.ImageURLs = []string{}
	}
	images, err := json.Marshal(m.ImageURLs)
	if err != nil {
		return storage.Message{}, fmt.Errorf("encode image urls: %w", err)
	}
	m.CreatedAt = nowOr(m.CreatedAt)

	var stored storage.Message
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
INSERT INTO messages (`+messageColumns+`)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM memberships WHERE group_id = ? AND user_id = ?)
AND (? = '' OR EXISTS (SELECT 1 FROM messages WHERE id = ? AND group_id = ?))
AND (? = '' OR EXISTS (SELECT 1 FROM prompt_responses WHERE id = ? AND group_id = ?))
ON CONFLICT (job_id) DO NOTHING
`,
			m.ID, m.GroupID, m.SenderID, m.Content, string(m.Type), m.PromptResponseID, m.ReplyToID, string(images), m.JobID, toMillis(m.CreatedAt),
			m.GroupID, m.SenderID,
			m.ReplyToID, m.ReplyToID, m.GroupID,
			m.PromptResponseID, m.PromptResponseID, m.GroupID,
		)
		if err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("create message rows affected: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE job_id = ?`, m.JobID)
		stored, err = scanMessage(row.Scan)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load created message: %w", err)
		}
		if affected > 0 {
			return fmt.Errorf("created message %s not found", m.ID)
		}
		return classifyRejectedMessage(ctx, tx, m)
	})
	if err != nil {
		return storage.Message{}, err
	}
	return stored, nil
}

func classifyRejectedMessage(ctx context.Context, tx *sql.Tx, m storage.Message) error {
	found, err := exists(ctx, tx, `SELECT 1 FROM groups WHERE id = ?`, m.GroupID)
	if err != nil {
		return fmt.Errorf("check group: %w", err)
	}
	if !found {
		return storage.ErrNotFound
	}
	member, err := exists(ctx, tx, `SELECT 1 FROM memberships WHERE group_id = ? AND user_id = ?`, m.GroupID, m.SenderID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return storage.ErrNotMember
	}
	return storage.ErrReferenceNotFound
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID string) (storage.Message, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Message{}, err
	}
	messageID, err := required("message id", messageID)
	if err != nil {
		return storage.Message{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	m, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func scanMessage(scan scanner) (storage.Message, error) {
	var (
		m         storage.Message
		msgType   string
		images    string
		createdAt int64
	)
	if err := scan(
		&m.ID,
		&m.GroupID,
		&m.SenderID,
		&m.Content,
		&msgType,
		&m.PromptResponseID,
		&m.ReplyToID,
		&images,
		&m.JobID,
		&createdAt,
	); err != nil {
		return storage.Message{}, err
	}
	m.Type = domain.MessageType(msgType)
	if err := json.Unmarshal([]byte(images), &m.ImageURLs); err != nil {
		return storage.Message{}, fmt.Errorf("decode image urls: %w", err)
	}
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}
