package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/model"
)

func TestGroupRepo_SaveGroup_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)

	now := time.Now().UTC()
	g := model.Group{
		ThreadID:  model.ThreadID(testGroup),
		PublicKey: testGroup,
		Name:      "Friends",
		Members:   model.IdentitySetFromStrings([]string{"b", "a"}),
		Admins:    model.IdentitySetFromStrings([]string{"a"}),
		UpdatedAt: now,
	}
	mock.ExpectExec(`INSERT INTO closed_groups .* ON CONFLICT \(thread_id\)`).
		WithArgs(g.ThreadID, string(testGroup), "Friends", []string{"a", "b"}, []string{"a"}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.SaveGroup(context.Background(), g))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepo_GetGroup(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)
	ctx := context.Background()

	now := time.Now().UTC()
	cols := []string{"thread_id", "group_public_key", "name", "members", "admins", "updated_at"}
	mock.ExpectQuery(`FROM closed_groups WHERE thread_id=\$1`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("t1", string(testGroup), "Friends", []string{"a", "b"}, []string{"a"}, now))
	mock.ExpectQuery(`FROM closed_groups WHERE thread_id=\$1`).
		WithArgs("t2").
		WillReturnError(pgx.ErrNoRows)

	g, err := r.GetGroup(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, testGroup, g.PublicKey)
	require.True(t, g.IsMember("b"))
	require.True(t, g.IsAdmin("a"))
	require.False(t, g.IsAdmin("b"))

	_, err = r.GetGroup(ctx, "t2")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGroupRepo_Notes(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewGroupRepo(db)
	ctx := context.Background()

	id := uuid.Must(uuid.NewV4())
	now := time.Now().UTC()
	mock.ExpectExec(`INSERT INTO closed_group_notes`).
		WithArgs(id, "t1", "hello", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT id, body, created_at\s+FROM closed_group_notes`).
		WithArgs("t1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "body", "created_at"}).AddRow(id, "hello", now))

	require.NoError(t, r.AddNote(ctx, model.InfoNote{ID: id, ThreadID: "t1", Body: "hello", CreatedAt: now}))
	notes, err := r.Notes(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "hello", notes[0].Body)
	require.Equal(t, "t1", notes[0].ThreadID)
}

func TestPendingRotationRepo_RoundTrip(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPendingRotationRepo(db)
	ctx := context.Background()

	p := model.PendingRotation{
		ID:             uuid.Must(uuid.NewV4()),
		GroupPublicKey: testGroup,
		KeyPair:        model.EncryptionKeyPair{PublicKey: []byte("p"), PrivateKey: []byte("s")},
		Message:        []byte{0x08, 0x03},
		CreatedAt:      time.Now().UTC(),
	}
	mock.ExpectExec(`INSERT INTO pending_rotations`).
		WithArgs(p.ID, string(testGroup), []byte("p"), []byte("s"), p.Message, p.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`FROM pending_rotations ORDER BY created_at ASC`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "group_public_key", "public_key", "private_key", "message", "created_at"}).
			AddRow(p.ID, string(testGroup), []byte("p"), []byte("s"), p.Message, p.CreatedAt))
	mock.ExpectExec(`DELETE FROM pending_rotations WHERE id=\$1`).
		WithArgs(p.ID).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, r.SavePendingRotation(ctx, p))
	got, err := r.PendingRotations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, testGroup, got[0].GroupPublicKey)
	require.True(t, p.KeyPair.Equal(got[0].KeyPair))
	require.NoError(t, r.DeletePendingRotation(ctx, p.ID))
	require.NoError(t, mock.ExpectationsWereMet())
}
