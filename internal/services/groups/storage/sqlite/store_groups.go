package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/broseph/broseph/internal/services/groups/storage"
)

const groupColumns = `id, name, owner_id, create_job_id, owner_transfer_job_id, created_at, updated_at`

// CreateGroup inserts a group once per create job. A create job whose group
// was later deleted never creates a second one.
func (s *Store) CreateGroup(ctx context.Context, g storage.Group) (storage.Group, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Group{}, err
	}
	var err error
	if g.ID, err = required("group id", g.ID); err != nil {
		return storage.Group{}, err
	}
	if g.OwnerID, err = required("owner id", g.OwnerID); err != nil {
		return storage.Group{}, err
	}
	if g.CreateJobID, err = required("create job id", g.CreateJobID); err != nil {
		return storage.Group{}, err
	}
	g.CreatedAt = nowOr(g.CreatedAt)
	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = g.CreatedAt
	}

	var stored storage.Group
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var deletedID string
		err := tx.QueryRowContext(ctx,
			`SELECT group_id FROM group_tombstones WHERE create_job_id = ?`,
			g.CreateJobID,
		).Scan(&deletedID)
		if err == nil {
			stored = storage.Group{ID: deletedID, CreateJobID: g.CreateJobID}
			return storage.ErrGroupDeleted
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check group tombstone: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO groups (id, name, owner_id, create_job_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (create_job_id) DO NOTHING
`,
			g.ID,
			g.Name,
			g.OwnerID,
			g.CreateJobID,
			toMillis(g.CreatedAt),
			toMillis(g.UpdatedAt),
		); err != nil {
			return fmt.Errorf("create group: %w", err)
		}

		row := tx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE create_job_id = ?`, g.CreateJobID)
		stored, err = scanGroup(row.Scan)
		if err != nil {
			return fmt.Errorf("load created group: %w", err)
		}
		return nil
	})
	if errors.Is(err, storage.ErrGroupDeleted) {
		return stored, err
	}
	if err != nil {
		return storage.Group{}, err
	}
	return stored, nil
}

// GetGroup returns one group by id.
func (s *Store) GetGroup(ctx context.Context, groupID string) (storage.Group, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Group{}, err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return storage.Group{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, groupID)
	g, err := scanGroup(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Group{}, storage.ErrNotFound
		}
		return storage.Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// ListUserGroups returns the groups userID belongs to, oldest membership first.
func (s *Store) ListUserGroups(ctx context.Context, userID string) ([]storage.Group, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	userID, err := required("user id", userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT g.id, g.name, g.owner_id, g.create_job_id, g.owner_transfer_job_id, g.created_at, g.updated_at
FROM groups g
JOIN memberships m ON m.group_id = g.id
WHERE m.user_id = ?
ORDER BY m.joined_at ASC, m.seq ASC
`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user groups: %w", err)
	}
	defer rows.Close()

	groups := make([]storage.Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan user group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user groups: %w", err)
	}
	return groups, nil
}

// DeleteGroup deletes a group when the actor is its only member, and its
// owner when required, recording a tombstone in the same transaction.
// Memberships, invites, and prompt responses cascade.
func (s *Store) DeleteGroup(ctx context.Context, input storage.DeleteGroupInput) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	groupID, err := required("group id", input.GroupID)
	if err != nil {
		return err
	}
	actorID, err := required("actor id", input.ActorID)
	if err != nil {
		return err
	}
	jobID, err := required("job id", input.JobID)
	if err != nil {
		return err
	}
	deletedAt := nowOr(input.DeletedAt)

	requireOwner := 0
	if input.RequireOwner {
		requireOwner = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var createJobID string
		err := tx.QueryRowContext(ctx, `SELECT create_job_id FROM groups WHERE id = ?`, groupID).Scan(&createJobID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load group: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
DELETE FROM groups
WHERE id = ?
AND (? = 0 OR owner_id = ?)
AND NOT EXISTS (
	SELECT 1 FROM memberships WHERE group_id = ? AND user_id <> ?
)
`, groupID, requireOwner, actorID, groupID, actorID)
		if err != nil {
			return fmt.Errorf("delete group: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete group rows affected: %w", err)
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

		if _, err := tx.ExecContext(ctx, `
INSERT INTO group_tombstones (group_id, job_id, create_job_id, deleted_by, deleted_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (group_id) DO NOTHING
`, groupID, jobID, createJobID, actorID, toMillis(deletedAt)); err != nil {
			return fmt.Errorf("record group tombstone: %w", err)
		}
		return nil
	})
}

// DiscardGroup removes a group only if createJobID created it.
func (s *Store) DiscardGroup(ctx context.Context, groupID string, createJobID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return err
	}
	createJobID, err = required("create job id", createJobID)
	if err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM groups WHERE id = ? AND create_job_id = ?`,
		groupID,
		createJobID,
	); err != nil {
		return fmt.Errorf("discard group: %w", err)
	}
	return nil
}

// GetTombstone returns the deletion record for groupID.
func (s *Store) GetTombstone(ctx context.Context, groupID string) (storage.Tombstone, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Tombstone{}, err
	}
	groupID, err := required("group id", groupID)
	if err != nil {
		return storage.Tombstone{}, err
	}
	var (
		tomb      storage.Tombstone
		deletedAt int64
	)
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT group_id, job_id, create_job_id, deleted_by, deleted_at
FROM group_tombstones
WHERE group_id = ?
`, groupID).Scan(&tomb.GroupID, &tomb.JobID, &tomb.CreateJobID, &tomb.DeletedBy, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Tombstone{}, storage.ErrNotFound
		}
		return storage.Tombstone{}, fmt.Errorf("get group tombstone: %w", err)
	}
	tomb.DeletedAt = fromMillis(deletedAt)
	return tomb, nil
}

type scanner func(dest ...any) error

func scanGroup(scan scanner) (storage.Group, error) {
	var (
		g         storage.Group
		createdAt int64
		updatedAt int64
	)
	if err := scan(&g.ID, &g.Name, &g.OwnerID, &g.CreateJobID, &g.OwnerTransferJobID, &createdAt, &updatedAt); err != nil {
		return storage.Group{}, err
	}
	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	return g, nil
}
