// Package keystore versions group encryption key pairs and tracks which groups are known locally.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/group-keeper/internal/errs"
	"github.com/and161185/group-keeper/internal/model"
	"github.com/and161185/group-keeper/internal/repository"
)

// maxStampAttempts bounds the bump-and-retry loop on timestamp collisions.
const maxStampAttempts = 8

// Store is the KeyPairStore. Safe for concurrent use.
type Store struct {
	repo repository.KeyPairRepository
	log  *zap.Logger
	now  func() time.Time

	mu   sync.Mutex
	last map[model.GroupPublicKey]int64 // last issued stamp, µs
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Store over repo.
func New(repo repository.KeyPairRepository, log *zap.Logger, opts ...Option) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{repo: repo, log: log, now: time.Now, last: make(map[model.GroupPublicKey]int64)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put appends kp as the group's newest version. The stamp is max(now, last+1µs);
// a stamp already taken in storage is bumped and retried.
func (s *Store) Put(ctx context.Context, g model.GroupPublicKey, kp model.EncryptionKeyPair) (model.KeyPairRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.last[g]
	if !ok {
		rec, err := s.repo.LatestKeyPair(ctx, g)
		switch {
		case err == nil:
			last = toMicros(rec.Timestamp)
		case errors.Is(err, errs.ErrNotFound):
		default:
			return model.KeyPairRecord{}, err
		}
	}

	us := s.now().UnixMicro()
	if us <= last {
		us = last + 1
	}
	for attempt := 0; attempt < maxStampAttempts; attempt++ {
		rec := model.KeyPairRecord{GroupPublicKey: g, Timestamp: fromMicros(us), KeyPair: kp}
		err := s.repo.InsertKeyPair(ctx, rec)
		if errors.Is(err, errs.ErrAlreadyExists) {
			s.log.Debug("key pair stamp taken, bumping",
				zap.String("group", string(g)), zap.String("ts", rec.TimestampKey()))
			us++
			continue
		}
		if err != nil {
			return model.KeyPairRecord{}, err
		}
		s.last[g] = us
		return rec, nil
	}
	return model.KeyPairRecord{}, fmt.Errorf("put key pair after %d attempts: %w", maxStampAttempts, errs.ErrAlreadyExists)
}

// Latest returns the newest record, or nil if the group has none.
func (s *Store) Latest(ctx context.Context, g model.GroupPublicKey) (*model.KeyPairRecord, error) {
	rec, err := s.repo.LatestKeyPair(ctx, g)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// All returns every record of the group, oldest first.
func (s *Store) All(ctx context.Context, g model.GroupPublicKey) ([]model.KeyPairRecord, error) {
	return s.repo.KeyPairs(ctx, g)
}

// Clear removes all key pairs of the group.
func (s *Store) Clear(ctx context.Context, g model.GroupPublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.DeleteKeyPairs(ctx, g); err != nil {
		return err
	}
	delete(s.last, g)
	return nil
}

func (s *Store) RegisterGroup(ctx context.Context, g model.GroupPublicKey) error {
	return s.repo.AddGroupPublicKey(ctx, g)
}

func (s *Store) UnregisterGroup(ctx context.Context, g model.GroupPublicKey) error {
	return s.repo.RemoveGroupPublicKey(ctx, g)
}

// IsKnownGroup reports whether g is in the local registry.
func (s *Store) IsKnownGroup(ctx context.Context, g model.GroupPublicKey) (bool, error) {
	return s.repo.HasGroupPublicKey(ctx, g)
}

// GroupPublicKeys lists the registry.
func (s *Store) GroupPublicKeys(ctx context.Context) ([]model.GroupPublicKey, error) {
	return s.repo.GroupPublicKeys(ctx)
}

// FormationTimestamp returns the group's formation time in unix ms.
func (s *Store) FormationTimestamp(ctx context.Context, g model.GroupPublicKey) (uint64, error) {
	return s.repo.FormationTimestamp(ctx, g)
}

// SetFormationTimestamp records the formation time. A second call fails with errs.ErrAlreadyExists.
func (s *Store) SetFormationTimestamp(ctx context.Context, g model.GroupPublicKey, ts uint64) error {
	return s.repo.SetFormationTimestamp(ctx, g, ts)
}

// Forget drops key pairs, registry entry and formation timestamp as one unit.
func (s *Store) Forget(ctx context.Context, g model.GroupPublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.repo.PurgeGroup(ctx, g); err != nil {
		return err
	}
	delete(s.last, g)
	return nil
}

func toMicros(ts float64) int64 { return int64(math.Round(ts * 1e6)) }

func fromMicros(us int64) float64 { return float64(us) / 1e6 }
