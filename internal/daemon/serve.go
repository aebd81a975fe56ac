package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/registry"
)

// ReadyFile returns the readiness pipe inherited from a spawning client, or
// nil when the daemon was started by hand.
func ReadyFile() io.WriteCloser {
	raw := os.Getenv(ReadyFDEnv)
	if raw == "" {
		return nil
	}
	_ = os.Unsetenv(ReadyFDEnv)
	fd, err := strconv.Atoi(raw)
	if err != nil || fd < 3 {
		log.Printf("[Daemon] ignoring invalid %s=%q", ReadyFDEnv, raw)
		return nil
	}
	return os.NewFile(uintptr(fd), "ready")
}

// Serve runs a daemon in the foreground until it retires or receives
// SIGINT/SIGTERM.
func Serve(ctx context.Context, paths config.Paths) error {
	ready := ReadyFile()
	if ready != nil {
		defer ready.Close()
	}

	d, err := New(Options{Paths: paths, Ready: ready})
	if err != nil {
		return err
	}

	rec := d.Record()
	if res := registry.Probe(ctx, rec.Addr(), rec.Key); res.State == registry.Reachable {
		return fmt.Errorf("daemon is already running on %s", rec.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() { errChan <- d.Run(ctx) }()

	select {
	case sig := <-sigChan:
		log.Printf("[Daemon] received signal %s, shutting down", sig)
		d.Shutdown(sig.String())
		return <-errChan
	case err := <-errChan:
		return err
	}
}

// SetupLogging sends the standard logger to <logs>/daemon.log. The returned
// file should be closed on exit.
func SetupLogging(paths config.Paths, alsoStderr bool) (io.Closer, error) {
	if err := os.MkdirAll(paths.Logs, 0o700); err != nil {
		return nil, fmt.Errorf("create logs directory: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	var out io.Writer = logFile
	if alsoStderr {
		out = io.MultiWriter(os.Stderr, logFile)
	}
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== vaultmenu daemon starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return logFile, nil
}
