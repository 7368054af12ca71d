// Package coalesce implements the single-flight request coalescer (spec
// component C4): concurrent identical calls for the same key are collapsed
// into one execution of compute, with every waiter receiving the same
// settled result. In-process only; replicas do not coordinate.
package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/skygateio/skygate/internal/telemetry"
)

// ErrLeaderCancelled is the synthetic terminal result published when the
// leader's own context is cancelled before compute settles, so the
// in-flight entry is never left stranded.
var ErrLeaderCancelled = errors.New("coalesce: leader was cancelled before settlement")

// call is the shared, settle-once handle for one in-flight key.
type call struct {
	done    chan struct{}
	val     []byte
	err     error
}

// Coalescer deduplicates concurrent identical calls by key.
type Coalescer struct {
	mu        sync.Mutex
	calls     map[string]*call
	coalesced atomic.Int64
}

// New creates an empty Coalescer.
func New() *Coalescer {
	return &Coalescer{calls: make(map[string]*call)}
}

// Execute runs compute for key, electing exactly one caller per key as
// leader. Followers block until the leader's compute settles and then
// observe the identical result. endpoint labels the coalesced_requests_total
// counter.
func (c *Coalescer) Execute(ctx context.Context, endpoint, key string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	if existing, ok := c.calls[key]; ok {
		c.mu.Unlock()
		telemetry.CoalescedRequestsTotal.WithLabelValues(endpoint).Inc()
		c.coalesced.Add(1)
		return waitFor(ctx, existing)
	}

	leader := &call{done: make(chan struct{})}
	c.calls[key] = leader
	c.mu.Unlock()

	c.runLeader(ctx, key, leader, compute)
	return leader.val, leader.err
}

// runLeader executes compute, publishes its settled result, and clears the
// in-flight entry. It always clears the entry — including when the
// leader's own context is cancelled mid-flight — so the next arrival for
// key starts a fresh attempt rather than finding a stranded entry.
func (c *Coalescer) runLeader(ctx context.Context, key string, leader *call, compute func(context.Context) ([]byte, error)) {
	defer func() {
		c.mu.Lock()
		delete(c.calls, key)
		c.mu.Unlock()
		close(leader.done)
	}()

	val, err := compute(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		leader.err = ErrLeaderCancelled
		return
	}
	leader.val, leader.err = val, err
}

// Stats returns the cumulative number of follower arrivals coalesced onto
// an existing leader, for the /stats operational endpoint.
func (c *Coalescer) Stats() int64 {
	return c.coalesced.Load()
}

// waitFor blocks until call settles or the follower's own context is done,
// whichever comes first. A follower giving up early never affects the
// leader, which keeps running to completion for the remaining waiters.
func waitFor(ctx context.Context, c *call) ([]byte, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
