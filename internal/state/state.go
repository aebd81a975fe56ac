// Package state holds the daemon's shared record of open databases.
//
// The session runner is the only writer. The registry reads snapshots on
// behalf of clients deciding whether to prompt for a password.
package state

import (
	"sort"
	"sync"
)

// Snapshot is a point-in-time copy of the shared state.
type Snapshot struct {
	Current      string
	Open         []string
	Passwordable []string
}

// Shared is the daemon's shared state namespace. If Current is non-empty it
// is always one of the open paths.
type Shared struct {
	mu           sync.RWMutex
	open         map[string]struct{}
	passwordable map[string]struct{}
	current      string
}

// New returns an empty namespace.
func New() *Shared {
	return &Shared{
		open:         make(map[string]struct{}),
		passwordable: make(map[string]struct{}),
	}
}

// Current returns the active database path, or "" when none is open.
func (s *Shared) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Open returns the open database paths in sorted order.
func (s *Shared) Open() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.open)
}

// Passwordable returns the paths whose password is available from
// configuration, in sorted order.
func (s *Shared) Passwordable() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.passwordable)
}

// Snapshot returns all three fields under one lock.
func (s *Shared) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Current:      s.current,
		Open:         sortedKeys(s.open),
		Passwordable: sortedKeys(s.passwordable),
	}
}

// SetCurrent marks path open and makes it the active database.
func (s *Shared) SetCurrent(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if path == "" {
		s.current = ""
		return
	}
	s.open[path] = struct{}{}
	s.current = path
}

// MarkOpen records path as open without changing the active database.
func (s *Shared) MarkOpen(path string) {
	if path == "" {
		return
	}
	s.mu.Lock()
	s.open[path] = struct{}{}
	s.mu.Unlock()
}

// Forget removes path from the open set, clearing Current if it was active.
func (s *Shared) Forget(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, path)
	if s.current == path {
		s.current = ""
	}
}

// SetPasswordable replaces the set of configured passwordable paths.
func (s *Shared) SetPasswordable(paths []string) {
	next := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p != "" {
			next[p] = struct{}{}
		}
	}
	s.mu.Lock()
	s.passwordable = next
	s.mu.Unlock()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
