// Package push registers the local device for group push notifications.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/group-keeper/internal/model"
)

// Notifier is the push-notification collaborator.
type Notifier interface {
	Subscribe(ctx context.Context, g model.GroupPublicKey, self model.Identity) error
	Unsubscribe(ctx context.Context, g model.GroupPublicKey, self model.Identity) error
}

// Nop is used when no push server is configured.
type Nop struct{}

func (Nop) Subscribe(context.Context, model.GroupPublicKey, model.Identity) error   { return nil }
func (Nop) Unsubscribe(context.Context, model.GroupPublicKey, model.Identity) error { return nil }

// Client calls a push server over HTTP.
type Client struct {
	base     string
	http     *http.Client
	log      *zap.Logger
	attempts uint64
	backoff  time.Duration
}

// NewClient returns a Client for the server at baseURL.
func NewClient(baseURL string, hc *http.Client, log *zap.Logger) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		http:     hc,
		log:      log,
		attempts: 4,
		backoff:  250 * time.Millisecond,
	}
}

type request struct {
	ClosedGroupPublicKey string `json:"closedGroupPublicKey"`
	PubKey               string `json:"pubKey"`
}

type response struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Subscribe asks the server to push messages of g to self.
func (c *Client) Subscribe(ctx context.Context, g model.GroupPublicKey, self model.Identity) error {
	return c.call(ctx, "subscribe_closed_group", g, self)
}

// Unsubscribe reverses Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, g model.GroupPublicKey, self model.Identity) error {
	return c.call(ctx, "unsubscribe_closed_group", g, self)
}

func (c *Client) call(ctx context.Context, op string, g model.GroupPublicKey, self model.Identity) error {
	body, err := json.Marshal(request{ClosedGroupPublicKey: string(g), PubKey: string(self)})
	if err != nil {
		return err
	}
	b := retry.WithMaxRetries(c.attempts-1, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+op, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("%s: status %d", op, resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d", op, resp.StatusCode)
		}
		var out response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("%s: decode: %w", op, err)
		}
		if out.Code == 0 {
			return fmt.Errorf("%s: rejected: %s", op, out.Message)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("push request failed", zap.String("op", op), zap.String("group", string(g)), zap.Error(err))
		return err
	}
	return nil
}
