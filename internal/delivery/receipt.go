// Package delivery hands control messages to the relay and reports their completion.
package delivery

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Receipt is a deferred handle on one or more sends.
type Receipt struct {
	done chan struct{}
	err  error
}

// Go runs fn in its own goroutine and resolves the receipt with its result.
func Go(fn func() error) *Receipt {
	r := &Receipt{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		r.err = fn()
	}()
	return r
}

// Resolved returns an already completed receipt.
func Resolved(err error) *Receipt {
	r := &Receipt{done: make(chan struct{}), err: err}
	close(r.done)
	return r
}

// Done is closed once the receipt resolves.
func (r *Receipt) Done() <-chan struct{} { return r.done }

// Err is the outcome. Nil until Done is closed.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the receipt resolves or ctx ends.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then runs fn after r succeeds. If r fails, fn is skipped and the error is carried over.
func (r *Receipt) Then(fn func() error) *Receipt {
	return Go(func() error {
		<-r.done
		if r.err != nil {
			return r.err
		}
		return fn()
	})
}

// All resolves when every receipt has resolved. The first error wins.
func All(rs ...*Receipt) *Receipt {
	var g errgroup.Group
	for _, r := range rs {
		r := r
		g.Go(func() error {
			<-r.done
			return r.err
		})
	}
	return Go(g.Wait)
}
