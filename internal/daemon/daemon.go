// Package daemon runs the per-user background process: it binds the
// registry on the ledger port, services cycles through the coordinator and
// retires after inactivity or an explicit kill.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/credentials"
	"github.com/vaultmenu/vaultmenu/internal/event"
	"github.com/vaultmenu/vaultmenu/internal/ledger"
	"github.com/vaultmenu/vaultmenu/internal/registry"
	daemonruntime "github.com/vaultmenu/vaultmenu/internal/runtime"
	"github.com/vaultmenu/vaultmenu/internal/session"
	"github.com/vaultmenu/vaultmenu/internal/state"
)

// ReadyFDEnv names the environment variable carrying the file descriptor
// the daemon writes one byte to once the registry is bound.
const ReadyFDEnv = "VAULTMENU_READY_FD"

// serviceOpTimeout bounds service shutdown.
const serviceOpTimeout = 5 * time.Second

// HandlerFactory builds the request handler for a configuration.
type HandlerFactory func(cfg *config.Config, st *state.Shared) Handler

// configurable is implemented by handlers that accept reloaded configuration.
type configurable interface {
	SetConfig(cfg *config.Config)
}

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Paths config.Paths
	// Ready, when set, receives one byte after the registry is listening
	// and is then closed.
	Ready io.WriteCloser
	// NewHandler overrides the session runner.
	NewHandler HandlerFactory
}

// Daemon represents the background process.
type Daemon struct {
	paths     config.Paths
	ledger    *ledger.Ledger
	record    ledger.Record
	host      *daemonruntime.ServiceHost
	lifecycle *daemonruntime.Lifecycle
	coord     *Coordinator
	state     *state.Shared
	handler   Handler
	ready     io.WriteCloser

	cfgMu sync.Mutex
	cfg   *config.Config
}

// New loads configuration, resolves the ledger and prepares the registry.
// Nothing is bound until Run.
func New(opts Options) (*Daemon, error) {
	paths := opts.Paths
	if err := config.EnsureDirs(paths); err != nil {
		return nil, fmt.Errorf("daemon: prepare directories: %w", err)
	}

	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	led := ledger.New(paths)
	rec, err := led.Ensure()
	if err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	st := state.New()
	st.SetPasswordable(credentials.Passwordable(cfg))

	newHandler := opts.NewHandler
	if newHandler == nil {
		newHandler = func(cfg *config.Config, st *state.Shared) Handler {
			return session.NewRunner(session.DefaultOptions(cfg, st))
		}
	}
	handler := newHandler(cfg, st)

	flags := event.NewSet()
	ch := channel.New()
	coord := NewCoordinator(CoordinatorOptions{
		Flags:   flags,
		Channel: ch,
		Handler: handler,
		Idle:    cfg.CachePeriod(),
	})

	host := daemonruntime.NewServiceHost("registry", func(ctx context.Context) (daemonruntime.Service, error) {
		return registry.NewServer(registry.Options{
			Port:    rec.Port,
			Key:     rec.Key,
			Signals: coord,
			Channel: ch,
			State:   st,
		}), nil
	})

	return &Daemon{
		paths:     paths,
		ledger:    led,
		record:    rec,
		host:      host,
		lifecycle: daemonruntime.NewLifecycle(),
		coord:     coord,
		state:     st,
		handler:   handler,
		ready:     opts.Ready,
		cfg:       cfg,
	}, nil
}

// Record returns the ledger record the daemon serves.
func (d *Daemon) Record() ledger.Record {
	return d.record
}

// Coordinator exposes the main loop for status reporting.
func (d *Daemon) Coordinator() *Coordinator {
	return d.coord
}

// Run binds the registry, services cycles until retirement and cleans up the
// pid file and the ledger.
func (d *Daemon) Run(ctx context.Context) error {
	pid := os.Getpid()
	if err := daemonruntime.WritePIDFile(d.paths.PIDFile, pid); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.paths.PIDFile, pid)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := d.host.Start(runCtx); err != nil {
		if errors.Is(err, registry.ErrAddrInUse) {
			return fmt.Errorf("daemon: another instance holds %s: %w", d.record.Addr(), err)
		}
		return fmt.Errorf("daemon: start services: %w", err)
	}
	if err := d.ledger.Claim(d.record, pid); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), serviceOpTimeout)
		_ = d.host.Stop(stopCtx)
		stopCancel()
		return fmt.Errorf("daemon: %w", err)
	}
	log.Printf("[Daemon] pid %d serving %s", pid, d.record)
	d.signalReady()

	go d.watchHostErrors(cancel)

	if stopWatch, err := d.host.WatchConfig(d.paths.ConfigFile, d.handleConfigEvent); err != nil {
		log.Printf("[Daemon] config watcher error: %v", err)
	} else {
		defer stopWatch()
	}

	go func() {
		<-d.lifecycle.Done()
		cancel()
	}()

	runErr := d.coord.Run(runCtx)
	if runErr == nil {
		d.lifecycle.Shutdown("retired")
	} else if errors.Is(runErr, context.Canceled) {
		d.lifecycle.Shutdown("cancelled")
		runErr = nil
	}
	log.Printf("[Daemon] stopping: %s", d.lifecycle.Reason())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.host.Stop(stopCtx); err != nil {
		log.Printf("[Daemon] service shutdown error: %v", err)
	}
	stopCancel()

	if removed, err := d.ledger.RemoveIf(d.record, pid); err != nil {
		log.Printf("[Daemon] %v", err)
	} else if !removed {
		log.Printf("[Daemon] ledger owned by a newer instance, left in place")
	}
	return runErr
}

// Shutdown asks the daemon to retire.
func (d *Daemon) Shutdown(reason string) {
	d.lifecycle.Shutdown(reason)
	d.coord.Retire()
}

func (d *Daemon) signalReady() {
	if d.ready == nil {
		return
	}
	if _, err := d.ready.Write([]byte{1}); err != nil {
		log.Printf("[Daemon] readiness notification failed: %v", err)
	}
	_ = d.ready.Close()
	d.ready = nil
}

func (d *Daemon) watchHostErrors(cancel context.CancelFunc) {
	for {
		select {
		case <-d.lifecycle.Done():
			return
		case err, ok := <-d.host.Errors():
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			log.Printf("[Daemon] %v", err)
			d.lifecycle.Shutdown(err.Error())
			cancel()
			return
		}
	}
}

func (d *Daemon) handleConfigEvent(ev config.ChangeEvent) {
	cfg, err := config.Load(d.paths.ConfigFile)
	if err != nil {
		log.Printf("[Daemon] config reload failed, keeping previous configuration: %v", err)
		return
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()

	d.state.SetPasswordable(credentials.Passwordable(cfg))
	d.coord.SetIdle(cfg.CachePeriod())
	if c, ok := d.handler.(configurable); ok {
		c.SetConfig(cfg)
	}
	log.Printf("[Daemon] configuration reloaded (%s)", ev.Op)
}

// Config returns the most recently loaded configuration.
func (d *Daemon) Config() *config.Config {
	d.cfgMu.Lock()
	defer d.cfgMu.Unlock()
	return d.cfg
}
