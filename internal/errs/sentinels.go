// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., a key pair timestamp is taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates failed authentication or a missing admin right.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates the relay temporarily refuses a sender.
	ErrRateLimited = errors.New("rate limited")

	// ErrNoSuchGroup indicates the operation targets a group with no active local record.
	ErrNoSuchGroup = errors.New("no such group")

	// ErrInvalidUpdate indicates a precondition violation (empty name, empty delta, self-removal).
	ErrInvalidUpdate = errors.New("invalid group update")

	// ErrNoKeyMaterial indicates the group has no stored encryption key pair.
	ErrNoKeyMaterial = errors.New("no encryption key pair")
)
