// Package ledger tracks key pairs that were sent to peers but are not yet persisted locally.
package ledger

import (
	"context"
	"sync"

	"github.com/and161185/group-keeper/internal/model"
)

// LatestReader is the persisted side of an effective-latest lookup.
type LatestReader interface {
	Latest(ctx context.Context, g model.GroupPublicKey) (*model.KeyPairRecord, error)
}

// Ledger is the pending distribution ledger. The zero value is not usable; use New.
type Ledger struct {
	mu      sync.RWMutex
	pending map[model.GroupPublicKey][]model.EncryptionKeyPair
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{pending: make(map[model.GroupPublicKey][]model.EncryptionKeyPair)}
}

// Begin appends kp to the group's pending list.
func (l *Ledger) Begin(g model.GroupPublicKey, kp model.EncryptionKeyPair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[g] = append(l.pending[g], kp)
}

// End removes the first entry equal to kp. No-op if absent.
func (l *Ledger) End(g model.GroupPublicKey, kp model.EncryptionKeyPair) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.pending[g]
	for i := range list {
		if list[i].Equal(kp) {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(l.pending, g)
		return
	}
	l.pending[g] = list
}

// LatestPending returns the last appended entry.
func (l *Ledger) LatestPending(g model.GroupPublicKey) (model.EncryptionKeyPair, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	list := l.pending[g]
	if len(list) == 0 {
		return model.EncryptionKeyPair{}, false
	}
	return list[len(list)-1], true
}

// Pending returns a copy of the group's pending list, oldest first.
func (l *Ledger) Pending(g model.GroupPublicKey) []model.EncryptionKeyPair {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.EncryptionKeyPair(nil), l.pending[g]...)
}

// Drop forgets every pending entry of the group.
func (l *Ledger) Drop(g model.GroupPublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, g)
}

// EffectiveLatest is the key to hand out right now: the newest pending pair,
// else the newest persisted one. ok is false when neither exists.
func (l *Ledger) EffectiveLatest(ctx context.Context, g model.GroupPublicKey, store LatestReader) (model.EncryptionKeyPair, bool, error) {
	if kp, ok := l.LatestPending(g); ok {
		return kp, true, nil
	}
	rec, err := store.Latest(ctx, g)
	if err != nil {
		return model.EncryptionKeyPair{}, false, err
	}
	if rec == nil {
		return model.EncryptionKeyPair{}, false, nil
	}
	return rec.KeyPair, true, nil
}
