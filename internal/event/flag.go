// Package event provides the named boolean signals that drive the daemon's
// request loop.
//
// A Flag is a level, not a counter: setting it twice before anyone observes
// it is the same as setting it once. Waiters are woken by closing a channel
// that is replaced on Clear, so Wait never polls.
package event

import (
	"context"
	"sync"
)

// Name identifies one of the daemon's signals.
type Name string

const (
	Go          Name = "go"
	Retire      Name = "retire"
	IdleExpired Name = "idle-expired"
	ArgsPending Name = "args-pending"
	OTPMode     Name = "otp-mode"
)

// Flag is a settable, clearable boolean that goroutines can block on.
type Flag struct {
	mu    sync.Mutex
	set   bool
	ready chan struct{}
}

// NewFlag returns a cleared flag.
func NewFlag() *Flag {
	return &Flag{ready: make(chan struct{})}
}

// Set raises the flag and wakes every waiter. Setting a raised flag is a no-op.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	close(f.ready)
}

// Clear lowers the flag.
func (f *Flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return
	}
	f.set = false
	f.ready = make(chan struct{})
}

// IsSet reports whether the flag is raised.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Consume reports whether the flag was raised and lowers it in the same step.
func (f *Flag) Consume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return false
	}
	f.set = false
	f.ready = make(chan struct{})
	return true
}

// Wait blocks until the flag is raised or ctx is done. It does not lower the
// flag.
func (f *Flag) Wait(ctx context.Context) error {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Set groups the daemon's flags by name.
type Set struct {
	flags map[Name]*Flag
}

// NewSet returns a set holding one cleared flag per known signal.
func NewSet() *Set {
	s := &Set{flags: make(map[Name]*Flag)}
	for _, n := range []Name{Go, Retire, IdleExpired, ArgsPending, OTPMode} {
		s.flags[n] = NewFlag()
	}
	return s
}

// Get returns the flag for name. Unknown names panic; the set is fixed.
func (s *Set) Get(name Name) *Flag {
	f, ok := s.flags[name]
	if !ok {
		panic("event: unknown signal " + string(name))
	}
	return f
}
