package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/broseph/broseph/internal/platform/storage/sqliteconn"
	"github.com/broseph/broseph/internal/services/groups/domain"
	"github.com/broseph/broseph/internal/services/groups/storage"
)

const membershipColumns = `seq, id, group_id, user_id, role, job_id, joined_at`

// AddMembership inserts a membership guarded by group existence and both
// membership bounds. The guard and the insert run in one statement inside an
// immediate transaction, so concurrent joins cannot overshoot a bound.
func (s *Store) AddMembership(ctx context.Context, m storage.Membership, limits domain.Limits) (storage.Membership, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Membership{}, err
	}
	m, err := validMembership(m)
	if err != nil {
		return storage.Membership{}, err
	}
	limits = limits.Normalized()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		m, err = insertMembership(ctx, tx, m, limits)
		return err
	})
	if err != nil {
		return storage.Membership{}, err
	}
	return m, nil
}

func validMembership(m storage.Membership) (storage.Membership, error) {
	var err error
	if m.ID, err = required("membership id", m.ID); err != nil {
		return storage.Membership{}, err
	}
	if m.GroupID, err = required("group id", m.GroupID); err != nil {
		return storage.Membership{}, err
	}
	if m.UserID, err = required("user id", m.UserID); err != nil {
		return storage.Membership{}, err
	}
	if !m.Role.Valid() {
		return storage.Membership{}, fmt.Errorf("invalid role %q", m.Role)
	}
	m.JoinedAt = nowOr(m.JoinedAt)
	return m, nil
}

// insertMembership runs the bounded insert inside tx and returns m with its
// Seq.
func insertMembership(ctx context.Context, tx *sql.Tx, m storage.Membership, limits domain.Limits) (storage.Membership, error) {
	member, err := exists(ctx, tx, `SELECT 1 FROM memberships WHERE group_id = ? AND user_id = ?`, m.GroupID, m.UserID)
	if err != nil {
		return storage.Membership{}, fmt.Errorf("check membership: %w", err)
	}
	if member {
		return storage.Membership{}, storage.ErrAlreadyMember
	}

	result, err := tx.ExecContext(ctx, `
INSERT INTO memberships (id, group_id, user_id, role, job_id, joined_at)
SELECT ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM groups WHERE id = ?)
AND (SELECT COUNT(*) FROM memberships WHERE group_id = ?) < ?
AND (SELECT COUNT(*) FROM memberships WHERE user_id = ?) < ?
`,
		m.ID, m.GroupID, m.UserID, string(m.Role), m.JobID, toMillis(m.JoinedAt),
		m.GroupID,
		m.GroupID, limits.MaxMembersPerGroup,
		m.UserID, limits.MaxGroupsPerUser,
	)
	if err != nil {
		if sqliteconn.IsForeignKeyError(err) {
			return storage.Membership{}, storage.ErrNotFound
		}
		if sqliteconn.IsConstraintError(err) {
			return storage.Membership{}, storage.ErrAlreadyMember
		}
		return storage.Membership{}, fmt.Errorf("add membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Membership{}, fmt.Errorf("add membership rows affected: %w", err)
	}
	if affected == 0 {
		return storage.Membership{}, classifyRejectedMembership(ctx, tx, m, limits)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.Membership{}, fmt.Errorf("add membership seq: %w", err)
	}
	m.Seq = seq
	return m, nil
}

func classifyRejectedMembership(ctx context.Context, tx *sql.Tx, m storage.Membership, limits domain.Limits) error {
	found, err := exists(ctx, tx, `SELECT 1 FROM groups WHERE id = ?`, m.GroupID)
	if err != nil {
		return fmt.Errorf("check group: %w", err)
	}
	if !found {
		return storage.ErrNotFound
	}
	var members int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE group_id = ?`, m.GroupID).Scan(&members); err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if members >= limits.MaxMembersPerGroup {
		return storage.ErrGroupFull
	}
	return storage.ErrUserGroupLimit
}

// GetMembership returns the membership of userID in groupID.
func (s *Store) GetMembership(ctx context.Context, groupID string, userID string) (storage.Membership, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Membership{}, err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return storage.Membership{}, err
	}
	userID, err = required("user id", userID)
	if err != nil {
		return storage.Membership{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE group_id = ? AND user_id = ?`,
		groupID,
		userID,
	)
	m, err := scanMembership(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Membership{}, storage.ErrNotFound
		}
		return storage.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// ListMemberships returns a group's members, earliest joined first.
func (s *Store) ListMemberships(ctx context.Context, groupID string) ([]storage.Membership, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+membershipColumns+`
FROM memberships
WHERE group_id = ?
ORDER BY joined_at ASC, seq ASC
`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	members := make([]storage.Membership, 0)
	for rows.Next() {
		m, err := scanMembership(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return members, nil
}

// CountMembers returns the number of members in groupID.
func (s *Store) CountMembers(ctx context.Context, groupID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE group_id = ?`, groupID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return count, nil
}

// CountUserGroups returns the number of groups userID belongs to.
func (s *Store) CountUserGroups(ctx context.Context, userID string) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	userID, err := required("user id", userID)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE user_id = ?`, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count user groups: %w", err)
	}
	return count, nil
}

// TransferOwnership moves ownership of record from fromUserID to toUserID in
// one transaction. The group update is conditional on the owner still being
// either party, so re-running a completed transfer succeeds.
func (s *Store) TransferOwnership(ctx context.Context, groupID string, fromUserID string, toUserID string, jobID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return err
	}
	fromUserID, err = required("from user id", fromUserID)
	if err != nil {
		return err
	}
	toUserID, err = required("to user id", toUserID)
	if err != nil {
		return err
	}
	jobID, err = required("job id", jobID)
	if err != nil {
		return err
	}
	if fromUserID == toUserID {
		return fmt.Errorf("ownership transfer requires two distinct users")
	}
	now := toMillis(time.Now())

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
UPDATE groups
SET owner_id = ?, owner_transfer_job_id = ?, updated_at = ?
WHERE id = ? AND owner_id IN (?, ?)
`, toUserID, jobID, now, groupID, fromUserID, toUserID)
		if err != nil {
			return fmt.Errorf("transfer group owner: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("transfer group owner rows affected: %w", err)
		}
		if affected == 0 {
			found, err := exists(ctx, tx, `SELECT 1 FROM groups WHERE id = ?`, groupID)
			if err != nil {
				return fmt.Errorf("check group: %w", err)
			}
			if !found {
				return storage.ErrNotFound
			}
			return storage.ErrConflict
		}

		result, err = tx.ExecContext(ctx, `
UPDATE memberships SET role = ? WHERE group_id = ? AND user_id = ?
`, string(domain.RoleOwner), groupID, toUserID)
		if err != nil {
			return fmt.Errorf("promote successor: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("promote successor rows affected: %w", err)
		}
		if affected == 0 {
			// Successor left concurrently; the rollback restores the owner.
			return storage.ErrConflict
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE memberships SET role = ? WHERE group_id = ? AND user_id = ?
`, string(domain.RoleMember), groupID, fromUserID); err != nil {
			return fmt.Errorf("demote previous owner: %w", err)
		}
		return nil
	})
}

// RemoveMembership deletes a non-owner membership.
func (s *Store) RemoveMembership(ctx context.Context, groupID string, userID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return err
	}
	userID, err = required("user id", userID)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
DELETE FROM memberships
WHERE group_id = ? AND user_id = ?
AND NOT EXISTS (SELECT 1 FROM groups WHERE id = ? AND owner_id = ?)
AND EXISTS (SELECT 1 FROM memberships WHERE group_id = ? AND user_id <> ?)
`, groupID, userID, groupID, userID, groupID, userID)
		if err != nil {
			return fmt.Errorf("remove membership: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("remove membership rows affected: %w", err)
		}
		if affected > 0 {
			return nil
		}
		member, err := exists(ctx, tx, `SELECT 1 FROM memberships WHERE group_id = ? AND user_id = ?`, groupID, userID)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !member {
			return storage.ErrNotFound
		}
		return storage.ErrConflict
	})
}

func scanMembership(scan scanner) (storage.Membership, error) {
	var (
		m        storage.Membership
		role     string
		joinedAt int64
	)
	if err := scan(&m.Seq, &m.ID, &m.GroupID, &m.UserID, &role, &m.JobID, &joinedAt); err != nil {
		return storage.Membership{}, err
	}
	m.Role = domain.Role(role)
	m.JoinedAt = fromMillis(joinedAt)
	return m, nil
}
