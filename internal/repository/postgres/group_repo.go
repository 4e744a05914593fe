package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/model"
)

// GroupRepo implements GroupRepository using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

// GetGroup selects a group by thread id.
func (r *GroupRepo) GetGroup(ctx context.Context, threadID string) (model.Group, error) {
	const q = `
SELECT thread_id, group_public_key, name, members, admins, updated_at
FROM closed_groups WHERE thread_id=$1`
	g, err := scanGroup(r.db.Pool.QueryRow(ctx, q, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Group{}, errs.ErrNotFound
	}
	return g, err
}

// SaveGroup upserts a group record.
func (r *GroupRepo) SaveGroup(ctx context.Context, g model.Group) error {
	const q = `
INSERT INTO closed_groups (thread_id, group_public_key, name, members, admins, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (thread_id)
DO UPDATE SET name=EXCLUDED.name, members=EXCLUDED.members, admins=EXCLUDED.admins, updated_at=EXCLUDED.updated_at`
	_, err := r.db.Pool.Exec(ctx, q,
		g.ThreadID, string(g.PublicKey), g.Name, g.Members.Strings(), g.Admins.Strings(), g.UpdatedAt)
	return err
}

// ListGroups returns all group records.
func (r *GroupRepo) ListGroups(ctx context.Context) ([]model.Group, error) {
	const q = `
SELECT thread_id, group_public_key, name, members, admins, updated_at
FROM closed_groups ORDER BY thread_id`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// AddNote inserts an informational note.
func (r *GroupRepo) AddNote(ctx context.Context, n model.InfoNote) error {
	const q = `INSERT INTO closed_group_notes (id, thread_id, body, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.Pool.Exec(ctx, q, n.ID, n.ThreadID, n.Body, n.CreatedAt)
	return err
}

// Notes returns a thread's notes oldest first.
func (r *GroupRepo) Notes(ctx context.Context, threadID string) ([]model.InfoNote, error) {
	const q = `
SELECT id, body, created_at
FROM closed_group_notes
WHERE thread_id=$1
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InfoNote
	for rows.Next() {
		var (
			id   uuid.UUID
			body string
			ts   time.Time
		)
		if err = rows.Scan(&id, &body, &ts); err != nil {
			return nil, err
		}
		out = append(out, model.InfoNote{ID: id, ThreadID: threadID, Body: body, CreatedAt: ts})
	}
	return out, rows.Err()
}

func scanGroup(row pgx.Row) (model.Group, error) {
	var (
		g               model.Group
		pk              string
		members, admins []string
	)
	if err := row.Scan(&g.ThreadID, &pk, &g.Name, &members, &admins, &g.UpdatedAt); err != nil {
		return model.Group{}, err
	}
	g.PublicKey = model.GroupPublicKey(pk)
	g.Members = model.IdentitySetFromStrings(members)
	g.Admins = model.IdentitySetFromStrings(admins)
	return g, nil
}
