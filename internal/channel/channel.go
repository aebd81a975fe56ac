// Package channel passes argument bundles from clients into the daemon and a
// single computed show result back out.
//
// Both directions hold at most one value. A bundle pushed while another is
// still pending is rejected with ErrBusy rather than overwriting it.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusy is returned when an argument bundle is already waiting.
	ErrBusy = errors.New("channel: an argument bundle is already pending")
	// ErrHandleUsed is returned when a handle is pushed to twice.
	ErrHandleUsed = errors.New("channel: handle already used")
	// ErrTimeout is returned when no show result arrives in time.
	ErrTimeout = errors.New("channel: timed out waiting for result")
)

// Channel is the daemon's duplex result channel.
type Channel struct {
	mu      sync.Mutex
	pending *pendingBundle

	results chan ShowResult
}

type pendingBundle struct {
	lease  string
	bundle ArgBundle
}

// New returns an empty channel.
func New() *Channel {
	return &Channel{results: make(chan ShowResult, 1)}
}

// Handle is a single-use lease on the inbound side.
type Handle struct {
	ID string

	ch   *Channel
	once sync.Once
}

// Acquire returns a fresh handle for pushing one bundle.
func (c *Channel) Acquire() *Handle {
	return &Handle{ID: uuid.NewString(), ch: c}
}

// Push stores the bundle for the daemon's next cycle. A bundle carrying a
// show query discards any unconsumed result from an earlier query.
func (h *Handle) Push(b ArgBundle) error {
	first := false
	h.once.Do(func() { first = true })
	if !first {
		return ErrHandleUsed
	}

	c := h.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != nil {
		return ErrBusy
	}
	c.pending = &pendingBundle{lease: h.ID, bundle: b}
	if b.Show != "" {
		c.drainResults()
	}
	return nil
}

// Drain removes and returns the pending bundle together with the lease that
// pushed it.
func (c *Channel) Drain() (ArgBundle, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ArgBundle{}, "", false
	}
	p := c.pending
	c.pending = nil
	return p.bundle, p.lease, true
}

// Pending reports whether a bundle is waiting.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Reply publishes a show result, replacing any unconsumed one.
func (c *Channel) Reply(r ShowResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainResults()
	c.results <- r
}

// Await blocks up to timeout for a show result. Each result is delivered to
// exactly one caller.
func (c *Channel) Await(ctx context.Context, timeout time.Duration) (ShowResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-c.results:
		return r, nil
	case <-timer.C:
		return ShowResult{}, ErrTimeout
	case <-ctx.Done():
		return ShowResult{}, ctx.Err()
	}
}

// caller holds c.mu
func (c *Channel) drainResults() {
	select {
	case <-c.results:
	default:
	}
}
