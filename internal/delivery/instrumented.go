package delivery

import (
	"context"

	"github.com/and161185/group-keeper/internal/model"
	"github.com/and161185/group-keeper/internal/observability/metrics"
)

// Instrumented counts outcomes of the wrapped Sender.
type Instrumented struct {
	Next Sender
}

func (s Instrumented) SendDurable(ctx context.Context, msg model.ControlMessage, ch model.Channel) *Receipt {
	return observe(s.Next.SendDurable(ctx, msg, ch), msg.Kind, "durable")
}

func (s Instrumented) SendBestEffort(ctx context.Context, msg model.ControlMessage, ch model.Channel) *Receipt {
	return observe(s.Next.SendBestEffort(ctx, msg, ch), msg.Kind, "best_effort")
}

func observe(r *Receipt, kind model.ControlKind, policy string) *Receipt {
	return Go(func() error {
		<-r.Done()
		outcome := "ok"
		if r.Err() != nil {
			outcome = "error"
		}
		metrics.ControlMessagesSentTotal.WithLabelValues(kind.String(), policy, outcome).Inc()
		return r.Err()
	})
}
