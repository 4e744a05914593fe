// Package sqlite implements the repositories on an on-device SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/migrate"
	"github.com/and161185/group-keeper/internal/model"
)

// Store implements KeyPairRepository, GroupRepository and PendingRotationRepository.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Run(ctx, db, goose.DialectSQLite3); err != nil {
		db.Close()
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// InsertKeyPair appends a key pair record.
func (s *Store) InsertKeyPair(ctx context.Context, rec model.KeyPairRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO closed_group_key_pairs (group_public_key, ts_key, ts_value, public_key, private_key)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		string(rec.GroupPublicKey), rec.TimestampKey(), rec.Timestamp, rec.KeyPair.PublicKey, rec.KeyPair.PrivateKey)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// KeyPairs returns all records of a group, oldest first.
func (s *Store) KeyPairs(ctx context.Context, g model.GroupPublicKey) ([]model.KeyPairRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts_value, public_key, private_key FROM closed_group_key_pairs
		 WHERE group_public_key = ? ORDER BY ts_value ASC`, string(g))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.KeyPairRecord
	for rows.Next() {
		rec := model.KeyPairRecord{GroupPublicKey: g}
		if err := rows.Scan(&rec.Timestamp, &rec.KeyPair.PublicKey, &rec.KeyPair.PrivateKey); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LatestKeyPair returns the newest record of a group.
func (s *Store) LatestKeyPair(ctx context.Context, g model.GroupPublicKey) (model.KeyPairRecord, error) {
	rec := model.KeyPairRecord{GroupPublicKey: g}
	err := s.db.QueryRowContext(ctx,
		`SELECT ts_value, public_key, private_key FROM closed_group_key_pairs
		 WHERE group_public_key = ? ORDER BY ts_value DESC LIMIT 1`, string(g)).
		Scan(&rec.Timestamp, &rec.KeyPair.PublicKey, &rec.KeyPair.PrivateKey)
	if errors.Is(err, sql.ErrNoRows) {
		return model.KeyPairRecord{}, errs.ErrNotFound
	}
	if err != nil {
		return model.KeyPairRecord{}, err
	}
	return rec, nil
}

// DeleteKeyPairs removes all records of a group.
func (s *Store) DeleteKeyPairs(ctx context.Context, g model.GroupPublicKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM closed_group_key_pairs WHERE group_public_key = ?`, string(g))
	return err
}

// AddGroupPublicKey registers a group.
func (s *Store) AddGroupPublicKey(ctx context.Context, g model.GroupPublicKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO closed_group_public_keys (group_public_key) VALUES (?) ON CONFLICT DO NOTHING`, string(g))
	return err
}

// RemoveGroupPublicKey unregisters a group.
func (s *Store) RemoveGroupPublicKey(ctx context.Context, g model.GroupPublicKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM closed_group_public_keys WHERE group_public_key = ?`, string(g))
	return err
}

// GroupPublicKeys lists registered groups.
func (s *Store) GroupPublicKeys(ctx context.Context) ([]model.GroupPublicKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_public_key FROM closed_group_public_keys ORDER BY group_public_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.GroupPublicKey
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		out = append(out, model.GroupPublicKey(g))
	}
	return out, rows.Err()
}

// HasGroupPublicKey reports registry membership.
func (s *Store) HasGroupPublicKey(ctx context.Context, g model.GroupPublicKey) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM closed_group_public_keys WHERE group_public_key = ?`, string(g)).Scan(&n)
	return n > 0, err
}

// FormationTimestamp returns the group's formation time.
func (s *Store) FormationTimestamp(ctx context.Context, g model.GroupPublicKey) (uint64, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT formed_at FROM closed_group_formation_timestamps WHERE group_public_key = ?`, string(g)).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return uint64(ts), nil
}

// SetFormationTimestamp stores the formation time once.
func (s *Store) SetFormationTimestamp(ctx context.Context, g model.GroupPublicKey, ts uint64) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO closed_group_formation_timestamps (group_public_key, formed_at) VALUES (?, ?)
		 ON CONFLICT DO NOTHING`, string(g), int64(ts))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// PurgeGroup removes key pairs, registry entry and formation timestamp in one transaction.
func (s *Store) PurgeGroup(ctx context.Context, g model.GroupPublicKey) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	for _, q := range []string{
		`DELETE FROM closed_group_key_pairs WHERE group_public_key = ?`,
		`DELETE FROM closed_group_public_keys WHERE group_public_key = ?`,
		`DELETE FROM closed_group_formation_timestamps WHERE group_public_key = ?`,
	} {
		if _, err = tx.ExecContext(ctx, q, string(g)); err != nil {
			return err
		}
	}
	return nil
}

// GetGroup selects a group by thread id.
func (s *Store) GetGroup(ctx context.Context, threadID string) (model.Group, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, group_public_key, name, members, admins, updated_at
		 FROM closed_groups WHERE thread_id = ?`, threadID)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, errs.ErrNotFound
	}
	return g, err
}

// SaveGroup upserts a group record.
func (s *Store) SaveGroup(ctx context.Context, g model.Group) error {
	members, err := json.Marshal(g.Members.Strings())
	if err != nil {
		return err
	}
	admins, err := json.Marshal(g.Admins.Strings())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO closed_groups (thread_id, group_public_key, name, members, admins, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   name = excluded.name, members = excluded.members,
		   admins = excluded.admins, updated_at = excluded.updated_at`,
		g.ThreadID, string(g.PublicKey), g.Name, string(members), string(admins),
		g.UpdatedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// ListGroups returns all group records.
func (s *Store) ListGroups(ctx context.Context) ([]model.Group, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, group_public_key, name, members, admins, updated_at
		 FROM closed_groups ORDER BY thread_id`)
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
func (s *Store) AddNote(ctx context.Context, n model.InfoNote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO closed_group_notes (id, thread_id, body, created_at) VALUES (?, ?, ?, ?)`,
		n.ID.String(), n.ThreadID, n.Body, n.CreatedAt.UnixMicro())
	return err
}

// Notes returns a thread's notes oldest first.
func (s *Store) Notes(ctx context.Context, threadID string) ([]model.InfoNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body, created_at FROM closed_group_notes
		 WHERE thread_id = ? ORDER BY created_at ASC, rowid ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InfoNote
	for rows.Next() {
		var (
			id   string
			body string
			ts   int64
		)
		if err := rows.Scan(&id, &body, &ts); err != nil {
			return nil, err
		}
		uid, err := uuid.FromString(id)
		if err != nil {
			return nil, fmt.Errorf("note id %q: %w", id, err)
		}
		out = append(out, model.InfoNote{ID: uid, ThreadID: threadID, Body: body, CreatedAt: time.UnixMicro(ts).UTC()})
	}
	return out, rows.Err()
}

// SavePendingRotation journals a rotation.
func (s *Store) SavePendingRotation(ctx context.Context, p model.PendingRotation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_rotations (id, group_public_key, public_key, private_key, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID.String(), string(p.GroupPublicKey), p.KeyPair.PublicKey, p.KeyPair.PrivateKey, p.Message,
		p.CreatedAt.UnixMicro())
	return err
}

// DeletePendingRotation clears a journal entry.
func (s *Store) DeletePendingRotation(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_rotations WHERE id = ?`, id.String())
	return err
}

// PendingRotations lists outstanding entries oldest first.
func (s *Store) PendingRotations(ctx context.Context) ([]model.PendingRotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, group_public_key, public_key, private_key, message, created_at
		 FROM pending_rotations ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PendingRotation
	for rows.Next() {
		var (
			p      model.PendingRotation
			id, gk string
			ts     int64
		)
		if err := rows.Scan(&id, &gk, &p.KeyPair.PublicKey, &p.KeyPair.PrivateKey, &p.Message, &ts); err != nil {
			return nil, err
		}
		if p.ID, err = uuid.FromString(id); err != nil {
			return nil, fmt.Errorf("pending rotation id %q: %w", id, err)
		}
		p.GroupPublicKey = model.GroupPublicKey(gk)
		p.CreatedAt = time.UnixMicro(ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (model.Group, error) {
	var (
		g                      model.Group
		pk, members, admins, u string
	)
	if err := row.Scan(&g.ThreadID, &pk, &g.Name, &members, &admins, &u); err != nil {
		return model.Group{}, err
	}
	var m, a []string
	if err := json.Unmarshal([]byte(members), &m); err != nil {
		return model.Group{}, fmt.Errorf("members of %s: %w", g.ThreadID, err)
	}
	if err := json.Unmarshal([]byte(admins), &a); err != nil {
		return model.Group{}, fmt.Errorf("admins of %s: %w", g.ThreadID, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, u)
	if err != nil {
		return model.Group{}, fmt.Errorf("updated_at of %s: %w", g.ThreadID, err)
	}
	g.PublicKey = model.GroupPublicKey(pk)
	g.Members = model.IdentitySetFromStrings(m)
	g.Admins = model.IdentitySetFromStrings(a)
	g.UpdatedAt = ts
	return g, nil
}
