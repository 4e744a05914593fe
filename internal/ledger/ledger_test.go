package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/group-keeper/internal/model"
)

type stubStore struct {
	rec *model.KeyPairRecord
	err error
}

func (s stubStore) Latest(context.Context, model.GroupPublicKey) (*model.KeyPairRecord, error) {
	return s.rec, s.err
}

const g = model.GroupPublicKey("05aa")

func pair(b byte) model.EncryptionKeyPair {
	return model.EncryptionKeyPair{PublicKey: []byte{b}, PrivateKey: []byte{b}}
}

func TestBeginEnd(t *testing.T) {
	t.Parallel()
	l := New()

	_, ok := l.LatestPending(g)
	require.False(t, ok)

	l.Begin(g, pair(1))
	l.Begin(g, pair(2))
	l.Begin(g, pair(1))

	kp, ok := l.LatestPending(g)
	require.True(t, ok)
	require.True(t, kp.Equal(pair(1)))

	// removes the first match only
	l.End(g, pair(1))
	require.Equal(t, []model.EncryptionKeyPair{pair(2), pair(1)}, l.Pending(g))

	l.End(g, pair(9))
	require.Len(t, l.Pending(g), 2)

	l.End(g, pair(1))
	l.End(g, pair(2))
	_, ok = l.LatestPending(g)
	require.False(t, ok)
}

func TestEffectiveLatest_PrefersPending(t *testing.T) {
	t.Parallel()
	l := New()
	ctx := context.Background()
	persisted := stubStore{rec: &model.KeyPairRecord{GroupPublicKey: g, Timestamp: 1, KeyPair: pair(1)}}

	kp, ok, err := l.EffectiveLatest(ctx, g, persisted)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, kp.Equal(pair(1)))

	l.Begin(g, pair(2))
	kp, _, _ = l.EffectiveLatest(ctx, g, persisted)
	require.True(t, kp.Equal(pair(2)))

	l.End(g, pair(2))
	kp, _, _ = l.EffectiveLatest(ctx, g, persisted)
	require.True(t, kp.Equal(pair(1)))
}

func TestEffectiveLatest_NoneAndErrors(t *testing.T) {
	t.Parallel()
	l := New()
	ctx := context.Background()

	_, ok, err := l.EffectiveLatest(ctx, g, stubStore{})
	require.NoError(t, err)
	require.False(t, ok)

	boom := errors.New("boom")
	_, _, err = l.EffectiveLatest(ctx, g, stubStore{err: boom})
	require.ErrorIs(t, err, boom)

	// pending short-circuits storage
	l.Begin(g, pair(3))
	_, ok, err = l.EffectiveLatest(ctx, g, stubStore{err: boom})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestDrop(t *testing.T) {
	t.Parallel()
	l := New()
	l.Begin(g, pair(1))
	l.Begin("05bb", pair(2))
	l.Drop(g)
	require.Empty(t, l.Pending(g))
	require.Len(t, l.Pending("05bb"), 1)
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	l := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(b byte) {
			defer wg.Done()
			l.Begin(g, pair(b))
			l.End(g, pair(b))
		}(byte(i))
		go func() {
			defer wg.Done()
			_, _, _ = l.EffectiveLatest(ctx, g, stubStore{})
		}()
	}
	wg.Wait()
	require.Empty(t, l.Pending(g))
}
