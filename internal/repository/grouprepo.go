package repository

import (
	"context"

	"github.com/and161185/group-keeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// GroupRepository stores the membership record of each group and its local notes.
type GroupRepository interface {
	// GetGroup returns the record for a thread or errs.ErrNotFound.
	GetGroup(ctx context.Context, threadID string) (model.Group, error)

	// SaveGroup inserts or replaces the record.
	SaveGroup(ctx context.Context, g model.Group) error

	// ListGroups returns every stored record ordered by thread id.
	ListGroups(ctx context.Context) ([]model.Group, error)

	// AddNote appends an informational note.
	AddNote(ctx context.Context, n model.InfoNote) error

	// Notes returns the thread's notes oldest first.
	Notes(ctx context.Context, threadID string) ([]model.InfoNote, error)
}

// PendingRotationRepository journals key rotations that were sent but not yet persisted.
type PendingRotationRepository interface {
	SavePendingRotation(ctx context.Context, p model.PendingRotation) error
	DeletePendingRotation(ctx context.Context, id uuid.UUID) error
	// PendingRotations returns outstanding entries oldest first.
	PendingRotations(ctx context.Context) ([]model.PendingRotation, error)
}
