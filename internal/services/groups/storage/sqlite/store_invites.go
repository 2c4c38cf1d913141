package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/broseph/broseph/internal/platform/storage/sqliteconn"
	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

const inviteColumns = `id, group_id, invited_by, token, email, expires_at, used_at, used_by, used_job_id, created_at`

// CreateInvite inserts a new invite.
func (s *Store) CreateInvite(ctx context.Context, invite storage.Invite) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	var err error
	if invite.ID, err = required("invite id", invite.ID); err != nil {
		return err
	}
	if invite.GroupID, err = required("group id", invite.GroupID); err != nil {
		return err
	}
	if invite.InvitedBy, err = required("invited by", invite.InvitedBy); err != nil {
		return err
	}
	if invite.Token, err = required("token", invite.Token); err != nil {
		return err
	}
	if invite.ExpiresAt.IsZero() {
		return fmt.Errorf("expires at is required")
	}
	invite.CreatedAt = nowOr(invite.CreatedAt)

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO invites (`+inviteColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		invite.ID,
		invite.GroupID,
		invite.InvitedBy,
		invite.Token,
		strings.TrimSpace(invite.Email),
		toMillis(invite.ExpiresAt),
		toNullMillis(invite.UsedAt),
		invite.UsedBy,
		invite.UsedJobID,
		toMillis(invite.CreatedAt),
	)
	if err != nil {
		if sqliteconn.IsForeignKeyError(err) {
			return storage.ErrNotFound
		}
		if sqliteconn.IsConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

// GetInviteByToken returns the invite carrying token.
func (s *Store) GetInviteByToken(ctx context.Context, token string) (storage.Invite, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Invite{}, err
	}
	token, err := required("token", token)
	if err != nil {
		return storage.Invite{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token = ?`, token)
	invite, err := scanInvite(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Invite{}, storage.ErrNotFound
		}
		return storage.Invite{}, fmt.Errorf("get invite: %w", err)
	}
	return invite, nil
}

// RedeemInvite claims an unused, unexpired invite and inserts the
// membership in one immediate transaction. A rejected membership rolls the
// claim back, and a second redeemer finds the claim already taken.
func (s *Store) RedeemInvite(ctx context.Context, inviteID string, m storage.Membership, limits domain.Limits) (storage.Membership, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Membership{}, err
	}
	inviteID, err := required("invite id", inviteID)
	if err != nil {
		return storage.Membership{}, err
	}
	m, err = validMembership(m)
	if err != nil {
		return storage.Membership{}, err
	}
	if m.JobID, err = required("job id", m.JobID); err != nil {
		return storage.Membership{}, err
	}
	limits = limits.Normalized()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		member, err := exists(ctx, tx, `SELECT 1 FROM memberships WHERE group_id = ? AND user_id = ?`, m.GroupID, m.UserID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if member {
			return storage.ErrAlreadyMember
		}

		result, err := tx.ExecContext(ctx, `
UPDATE invites SET used_at = ?, used_by = ?, used_job_id = ?
WHERE id = ? AND group_id = ? AND used_at IS NULL AND expires_at > ?
`, toMillis(m.JoinedAt), m.UserID, m.JobID, inviteID, m.GroupID, toMillis(m.JoinedAt))
		if err != nil {
			return fmt.Errorf("claim invite: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim invite rows affected: %w", err)
		}
		if affected == 0 {
			return classifyRejectedClaim(ctx, tx, inviteID, m.GroupID)
		}

		m, err = insertMembership(ctx, tx, m, limits)
		return err
	})
	if err != nil {
		return storage.Membership{}, err
	}
	return m, nil
}

func classifyRejectedClaim(ctx context.Context, tx *sql.Tx, inviteID, groupID string) error {
	var (
		inviteGroup string
		usedAt      sql.NullInt64
	)
	err := tx.QueryRowContext(ctx, `SELECT group_id, used_at FROM invites WHERE id = ?`, inviteID).Scan(&inviteGroup, &usedAt)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && inviteGroup != groupID) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load invite: %w", err)
	}
	if usedAt.Valid {
		return storage.ErrInviteUsed
	}
	return storage.ErrInviteExpired
}

func scanInvite(scan scanner) (storage.Invite, error) {
	var (
		invite    storage.Invite
		expiresAt int64
		usedAt    sql.NullInt64
		createdAt int64
	)
	if err := scan(
		&invite.ID,
		&invite.GroupID,
		&invite.InvitedBy,
		&invite.Token,
		&invite.Email,
		&expiresAt,
		&usedAt,
		&invite.UsedBy,
		&invite.UsedJobID,
		&createdAt,
	); err != nil {
		return storage.Invite{}, err
	}
	invite.ExpiresAt = fromMillis(expiresAt)
	invite.UsedAt = fromNullMillis(usedAt)
	invite.CreatedAt = fromMillis(createdAt)
	return invite, nil
}
