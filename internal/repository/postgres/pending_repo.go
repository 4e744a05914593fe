package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/group-keeper/internal/model"
)

// PendingRotationRepo implements PendingRotationRepository using PostgreSQL.
type PendingRotationRepo struct{ db *DB }

// NewPendingRotationRepo constructs a pending rotation journal.
func NewPendingRotationRepo(db *DB) *PendingRotationRepo { return &PendingRotationRepo{db: db} }

// SavePendingRotation journals a rotation before it is sent.
func (r *PendingRotationRepo) SavePendingRotation(ctx context.Context, p model.PendingRotation) error {
	const q = `
INSERT INTO pending_rotations (id, group_public_key, public_key, private_key, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q,
		p.ID, string(p.GroupPublicKey), p.KeyPair.PublicKey, p.KeyPair.PrivateKey, p.Message, p.CreatedAt)
	return err
}

// DeletePendingRotation clears a journal entry.
func (r *PendingRotationRepo) DeletePendingRotation(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM pending_rotations WHERE id=$1`, id)
	return err
}

// PendingRotations lists outstanding entries oldest first.
func (r *PendingRotationRepo) PendingRotations(ctx context.Context) ([]model.PendingRotation, error) {
	const q = `
SELECT id, group_public_key, public_key, private_key, message, created_at
FROM pending_rotations ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PendingRotation
	for rows.Next() {
		var (
			p  model.PendingRotation
			gk string
		)
		if err = rows.Scan(&p.ID, &gk, &p.KeyPair.PublicKey, &p.KeyPair.PrivateKey, &p.Message, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.GroupPublicKey = model.GroupPublicKey(gk)
		out = append(out, p)
	}
	return out, rows.Err()
}
