package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Service is a unit the daemon starts before servicing clients and stops on
// retirement.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Lifecycle coordinates shutdown signalling across the daemon's goroutines.
type Lifecycle struct {
	shutdownOnce sync.Once
	shutdownChan chan struct{}

	mu     sync.Mutex
	reason string
}

// NewLifecycle creates a lifecycle controller with its own shutdown channel.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{shutdownChan: make(chan struct{})}
}

// Done returns a channel that is closed when the lifecycle is shutting down.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.shutdownChan
}

// Shutdown signals all listeners that the lifecycle is terminating. Only the
// first reason is kept.
func (l *Lifecycle) Shutdown(reason string) {
	l.shutdownOnce.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		close(l.shutdownChan)
	})
}

// Reason returns the reason passed to the first Shutdown call.
func (l *Lifecycle) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// WritePIDFile writes the given PID into the provided file path with owner-only permissions.
func WritePIDFile(pidFile string, pid int) error {
	if pidFile == "" {
		return fmt.Errorf("pid file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(pidFile), 0o700); err != nil {
		return fmt.Errorf("failed to create pid directory: %w", err)
	}

	data := []byte(strconv.Itoa(pid))
	if err := os.WriteFile(pidFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}

	return nil
}

// RemovePIDFile removes the pid file if it still names pid. A file rewritten
// by a newer daemon is left alone.
func RemovePIDFile(pidFile string, pid int) {
	if pidFile == "" {
		return
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return
	}
	if current, err := strconv.Atoi(string(data)); err == nil && current != pid {
		return
	}
	_ = os.Remove(pidFile)
}
