package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/config"
)

const defaultShutdownTimeout = 5 * time.Second

// ServiceFactory constructs the hosted service. It is invoked on every start.
type ServiceFactory func(ctx context.Context) (Service, error)

// ServiceHost runs the daemon's network service between Start and Stop,
// forwards the service's asynchronous errors and watches the config file
// while running.
type ServiceHost struct {
	name    string
	factory ServiceFactory
	errors  chan error

	mu      sync.Mutex
	service Service
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServiceHost returns a host for the service built by factory.
func NewServiceHost(name string, factory ServiceFactory) *ServiceHost {
	return &ServiceHost{
		name:    name,
		factory: factory,
		errors:  make(chan error, 1),
	}
}

// Start builds and starts the service.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.service != nil {
		return fmt.Errorf("runtime: service %q already started", h.name)
	}

	runCtx, cancel := context.WithCancel(ctx)
	svc, err := h.factory(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("runtime: create service %q: %w", h.name, err)
	}
	if err := svc.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("runtime: start service %q: %w", h.name, err)
	}

	h.service, h.ctx, h.cancel = svc, runCtx, cancel
	if observable, ok := svc.(interface{ Errors() <-chan error }); ok {
		go h.forwardErrors(runCtx, observable.Errors())
	}
	return nil
}

// Stop shuts the service down, bounded by the shutdown timeout. Stopping a
// host that is not running is a no-op.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	svc, cancel := h.service, h.cancel
	h.service, h.ctx, h.cancel = nil, nil, nil
	h.mu.Unlock()
	if svc == nil {
		return nil
	}
	cancel()

	stopCtx, stop := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer stop()
	if err := svc.Shutdown(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("runtime: shutdown service %q: %w", h.name, err)
	}
	return nil
}

// Errors returns a channel receiving fatal service errors.
func (h *ServiceHost) Errors() <-chan error {
	return h.errors
}

// WatchConfig invokes handler whenever the configuration file at path changes
// on disk. The returned cancel function stops the watcher. The watcher runs
// only while the host is started.
func (h *ServiceHost) WatchConfig(path string, handler func(config.ChangeEvent)) (func(), error) {
	h.mu.Lock()
	parentCtx := h.ctx
	h.mu.Unlock()
	if parentCtx == nil {
		return nil, fmt.Errorf("runtime: cannot watch config before host is started")
	}

	watchCtx, cancel := context.WithCancel(parentCtx)
	events, err := config.Watch(watchCtx, path)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		for ev := range events {
			if handler != nil {
				handler(ev)
			}
		}
	}()

	return cancel, nil
}

func (h *ServiceHost) forwardErrors(ctx context.Context, ch <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-ch:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			select {
			case h.errors <- fmt.Errorf("%s service error: %w", h.name, err):
			default:
			}
		}
	}
}
