// Package mailbox keeps undelivered envelopes in Redis.
//
// Contact channels have a single reader and are plain FIFO lists: a fetch
// removes what it returns. Group channels are read by every member, so they
// are streams and each reader keeps its own cursor.
package mailbox

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/group-keeper/internal/model"
)

const (
	keyPrefix    = "gk:mbox:"
	cursorPrefix = "gk:cur:"
	envField     = "env"
	// maxStreamLen caps a group stream; trimming is approximate.
	maxStreamLen = 10000
)

// Client is the subset of the redis client used by Mailbox.
type Client interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Mailbox stores encoded envelopes per channel. Each push extends the
// channel's lifetime to ttl.
type Mailbox struct {
	rdb Client
	ttl time.Duration
}

func New(rdb Client, ttl time.Duration) *Mailbox {
	return &Mailbox{rdb: rdb, ttl: ttl}
}

// Push appends env to the channel.
func (m *Mailbox) Push(ctx context.Context, ch model.Channel, env []byte) error {
	key := keyPrefix + ch.String()
	var err error
	if ch.Kind == model.ChannelGroup {
		err = m.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: maxStreamLen,
			Approx: true,
			Values: []any{envField, env},
		}).Err()
	} else {
		err = m.rdb.RPush(ctx, key, env).Err()
	}
	if err != nil {
		return err
	}
	if m.ttl > 0 {
		return m.rdb.Expire(ctx, key, m.ttl).Err()
	}
	return nil
}

// Pop returns up to limit envelopes for reader, oldest first. On a contact
// channel they are removed; on a group channel reader's cursor moves past them.
func (m *Mailbox) Pop(ctx context.Context, ch model.Channel, reader model.Identity, limit int) ([][]byte, error) {
	if limit <= 0 {
		return nil, nil
	}
	if ch.Kind == model.ChannelGroup {
		return m.read(ctx, ch, reader, limit)
	}
	vals, err := m.rdb.LPopCount(ctx, keyPrefix+ch.String(), limit).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (m *Mailbox) read(ctx context.Context, ch model.Channel, reader model.Identity, limit int) ([][]byte, error) {
	cursor := cursorPrefix + ch.String() + ":" + string(reader)
	start := "-"
	last, err := m.rdb.Get(ctx, cursor).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, err
	default:
		start = "(" + last
	}

	msgs, err := m.rdb.XRangeN(ctx, keyPrefix+ch.String(), start, "+", int64(limit)).Result()
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(msgs))
	for _, msg := range msgs {
		if v, ok := msg.Values[envField].(string); ok {
			out = append(out, []byte(v))
		}
	}
	if err := m.rdb.Set(ctx, cursor, msgs[len(msgs)-1].ID, m.ttl).Err(); err != nil {
		return nil, err
	}
	return out, nil
}
