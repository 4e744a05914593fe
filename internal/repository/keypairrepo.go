// Package repository declares the storage contracts used by the key store and the group service.
package repository

import (
	"context"

	"github.com/and161185/group-keeper/internal/model"
)

// KeyPairRepository persists versioned group key pairs, the set of known group
// public keys and group formation timestamps.
type KeyPairRepository interface {
	// InsertKeyPair appends a record; returns errs.ErrAlreadyExists if the timestamp key is taken.
	InsertKeyPair(ctx context.Context, rec model.KeyPairRecord) error

	// KeyPairs returns all records of the group ordered by ascending timestamp.
	KeyPairs(ctx context.Context, g model.GroupPublicKey) ([]model.KeyPairRecord, error)

	// LatestKeyPair returns the record with the greatest timestamp or errs.ErrNotFound.
	LatestKeyPair(ctx context.Context, g model.GroupPublicKey) (model.KeyPairRecord, error)

	// DeleteKeyPairs removes every record of the group.
	DeleteKeyPairs(ctx context.Context, g model.GroupPublicKey) error

	// AddGroupPublicKey marks the group as known. Idempotent.
	AddGroupPublicKey(ctx context.Context, g model.GroupPublicKey) error

	// RemoveGroupPublicKey unmarks the group. Idempotent.
	RemoveGroupPublicKey(ctx context.Context, g model.GroupPublicKey) error

	// GroupPublicKeys lists known groups.
	GroupPublicKeys(ctx context.Context) ([]model.GroupPublicKey, error)

	// HasGroupPublicKey reports whether the group is known.
	HasGroupPublicKey(ctx context.Context, g model.GroupPublicKey) (bool, error)

	// FormationTimestamp returns the group's formation time (unix ms) or errs.ErrNotFound.
	FormationTimestamp(ctx context.Context, g model.GroupPublicKey) (uint64, error)

	// SetFormationTimestamp stores the formation time; errs.ErrAlreadyExists if already set.
	SetFormationTimestamp(ctx context.Context, g model.GroupPublicKey, ts uint64) error

	// PurgeGroup removes key pairs, registry entry and formation timestamp atomically.
	PurgeGroup(ctx context.Context, g model.GroupPublicKey) error
}
