package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/group-keeper/internal/convert"
	"github.com/and161185/group-keeper/internal/model"
)

// Sender is the delivery collaborator used by the group service.
type Sender interface {
	// SendDurable retries until the relay acknowledges or the failure is permanent.
	SendDurable(ctx context.Context, msg model.ControlMessage, ch model.Channel) *Receipt
	// SendBestEffort makes a single attempt.
	SendBestEffort(ctx context.Context, msg model.ControlMessage, ch model.Channel) *Receipt
}

// RelayClient talks to the relay over gRPC.
type RelayClient struct {
	conn     grpc.ClientConnInterface
	self     model.Identity
	token    string
	log      *zap.Logger
	attempts uint64
	backoff  time.Duration
	now      func() time.Time
}

// RelayOption configures a RelayClient.
type RelayOption func(*RelayClient)

// WithAttempts sets the number of durable attempts (>= 1).
func WithAttempts(n uint64) RelayOption {
	return func(c *RelayClient) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBackoff sets the base delay of the exponential backoff.
func WithBackoff(d time.Duration) RelayOption {
	return func(c *RelayClient) { c.backoff = d }
}

// NewRelayClient builds a client sending as self, authenticated with token.
func NewRelayClient(conn grpc.ClientConnInterface, self model.Identity, token string, log *zap.Logger, opts ...RelayOption) *RelayClient {
	if log == nil {
		log = zap.NewNop()
	}
	c := &RelayClient{
		conn:     conn,
		self:     self,
		token:    token,
		log:      log,
		attempts: 5,
		backoff:  200 * time.Millisecond,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SendDurable implements Sender.
func (c *RelayClient) SendDurable(ctx context.Context, msg model.ControlMessage, ch model.Channel) *Receipt {
	env, err := c.envelope(msg, ch)
	if err != nil {
		return Resolved(err)
	}
	return Go(func() error {
		b := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(c.backoff))
		return retry.Do(ctx, b, func(ctx context.Context) error {
			err := c.deliver(ctx, env)
			if err != nil && retryable(err) {
				c.log.Debug("deliver retry",
					zap.String("kind", msg.Kind.String()), zap.String("channel", ch.String()), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		})
	})
}

// SendBestEffort implements Sender.
func (c *RelayClient) SendBestEffort(ctx context.Context, msg model.ControlMessage, ch model.Channel) *Receipt {
	env, err := c.envelope(msg, ch)
	if err != nil {
		return Resolved(err)
	}
	return Go(func() error { return c.deliver(ctx, env) })
}

// Fetch pops up to limit envelopes queued on ch.
func (c *RelayClient) Fetch(ctx context.Context, ch model.Channel, limit int) ([]model.Envelope, error) {
	req := wrapperspb.Bytes(convert.MarshalFetchRequest(convert.FetchRequest{Channel: ch, Limit: limit}))
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(c.authed(ctx), convert.FetchMethod, req, out); err != nil {
		return nil, err
	}
	return convert.UnmarshalEnvelopeBatch(out.GetValue())
}

func (c *RelayClient) envelope(msg model.ControlMessage, ch model.Channel) ([]byte, error) {
	payload, err := convert.MarshalControlMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	// the id is fixed across retries so the relay can drop duplicates
	return convert.MarshalEnvelope(model.Envelope{
		ID:      id,
		Sender:  c.self,
		Channel: ch,
		SentAt:  c.now().UTC(),
		Payload: payload,
	}), nil
}

func (c *RelayClient) deliver(ctx context.Context, env []byte) error {
	return c.conn.Invoke(c.authed(ctx), convert.DeliverMethod, wrapperspb.Bytes(env), new(emptypb.Empty))
}

func (c *RelayClient) authed(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}
