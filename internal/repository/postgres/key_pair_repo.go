package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/model"
)

// KeyPairRepo implements KeyPairRepository using PostgreSQL.
type KeyPairRepo struct{ db *DB }

// NewKeyPairRepo constructs a key pair repository.
func NewKeyPairRepo(db *DB) *KeyPairRepo { return &KeyPairRepo{db: db} }

// InsertKeyPair appends a key pair record.
func (r *KeyPairRepo) InsertKeyPair(ctx context.Context, rec model.KeyPairRecord) error {
	const q = `
INSERT INTO closed_group_key_pairs (group_public_key, ts_key, ts_value, public_key, private_key)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Pool.Exec(ctx, q,
		string(rec.GroupPublicKey), rec.TimestampKey(), rec.Timestamp,
		rec.KeyPair.PublicKey, rec.KeyPair.PrivateKey)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// KeyPairs returns all records of a group, oldest first.
func (r *KeyPairRepo) KeyPairs(ctx context.Context, g model.GroupPublicKey) ([]model.KeyPairRecord, error) {
	const q = `
SELECT ts_value, public_key, private_key
FROM closed_group_key_pairs
WHERE group_public_key=$1
ORDER BY ts_value ASC`
	rows, err := r.db.Pool.Query(ctx, q, string(g))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KeyPairRecord
	for rows.Next() {
		rec := model.KeyPairRecord{GroupPublicKey: g}
		if err = rows.Scan(&rec.Timestamp, &rec.KeyPair.PublicKey, &rec.KeyPair.PrivateKey); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestKeyPair returns the newest record of a group.
func (r *KeyPairRepo) LatestKeyPair(ctx context.Context, g model.GroupPublicKey) (model.KeyPairRecord, error) {
	const q = `
SELECT ts_value, public_key, private_key
FROM closed_group_key_pairs
WHERE group_public_key=$1
ORDER BY ts_value DESC
LIMIT 1`
	rec := model.KeyPairRecord{GroupPublicKey: g}
	err := r.db.Pool.QueryRow(ctx, q, string(g)).Scan(&rec.Timestamp, &rec.KeyPair.PublicKey, &rec.KeyPair.PrivateKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.KeyPairRecord{}, errs.ErrNotFound
	}
	if err != nil {
		return model.KeyPairRecord{}, err
	}
	return rec, nil
}

// DeleteKeyPairs removes all records of a group.
func (r *KeyPairRepo) DeleteKeyPairs(ctx context.Context, g model.GroupPublicKey) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM closed_group_key_pairs WHERE group_public_key=$1`, string(g))
	return err
}

// AddGroupPublicKey registers a group as known.
func (r *KeyPairRepo) AddGroupPublicKey(ctx context.Context, g model.GroupPublicKey) error {
	const q = `INSERT INTO closed_group_public_keys (group_public_key) VALUES ($1) ON CONFLICT DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, string(g))
	return err
}

// RemoveGroupPublicKey unregisters a group.
func (r *KeyPairRepo) RemoveGroupPublicKey(ctx context.Context, g model.GroupPublicKey) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM closed_group_public_keys WHERE group_public_key=$1`, string(g))
	return err
}

// GroupPublicKeys lists registered groups.
func (r *KeyPairRepo) GroupPublicKeys(ctx context.Context) ([]model.GroupPublicKey, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT group_public_key FROM closed_group_public_keys ORDER BY group_public_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GroupPublicKey
	for rows.Next() {
		var g string
		if err = rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, model.GroupPublicKey(g))
	}
	return out, rows.Err()
}

// HasGroupPublicKey reports registry membership.
func (r *KeyPairRepo) HasGroupPublicKey(ctx context.Context, g model.GroupPublicKey) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM closed_group_public_keys WHERE group_public_key=$1)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, string(g)).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// FormationTimestamp returns the group's formation time.
func (r *KeyPairRepo) FormationTimestamp(ctx context.Context, g model.GroupPublicKey) (uint64, error) {
	const q = `SELECT formed_at FROM closed_group_formation_timestamps WHERE group_public_key=$1`
	var ts int64
	err := r.db.Pool.QueryRow(ctx, q, string(g)).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return uint64(ts), nil
}

// SetFormationTimestamp stores the formation time once.
func (r *KeyPairRepo) SetFormationTimestamp(ctx context.Context, g model.GroupPublicKey, ts uint64) error {
	const q = `INSERT INTO closed_group_formation_timestamps (group_public_key, formed_at) VALUES ($1, $2)`
	_, err := r.db.Pool.Exec(ctx, q, string(g), int64(ts))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// PurgeGroup removes everything the store holds for a group in one transaction.
func (r *KeyPairRepo) PurgeGroup(ctx context.Context, g model.GroupPublicKey) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	for _, q := range []string{
		`DELETE FROM closed_group_key_pairs WHERE group_public_key=$1`,
		`DELETE FROM closed_group_public_keys WHERE group_public_key=$1`,
		`DELETE FROM closed_group_formation_timestamps WHERE group_public_key=$1`,
	} {
		if _, err = tx.Exec(ctx, q, string(g)); err != nil {
			return err
		}
	}
	return nil
}
