package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/daemon"
	"github.com/vaultmenu/vaultmenu/internal/procutil"
)

// DefaultReadyTimeout bounds the wait for a spawned daemon.
const DefaultReadyTimeout = 10 * time.Second

// readyFD is the descriptor number of the readiness pipe in the child.
const readyFD = 3

// ErrNotReady is returned when a spawned daemon exits or stays silent
// before binding the registry.
var ErrNotReady = errors.New("launcher: daemon did not become ready")

// SpawnDaemon starts `<self> daemon run` detached from the terminal and
// waits until it writes its readiness byte.
func SpawnDaemon(ctx context.Context, paths config.Paths, timeout time.Duration) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("launcher: locate executable: %w", err)
	}
	return spawnCommand(ctx, exec.Command(exe, "daemon", "run", "--config", paths.ConfigFile), timeout)
}

func spawnCommand(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("launcher: readiness pipe: %w", err)
	}
	defer r.Close()

	cmd.ExtraFiles = []*os.File{w}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", daemon.ReadyFDEnv, readyFD))
	procutil.Detach(cmd)

	if err := cmd.Start(); err != nil {
		w.Close()
		return fmt.Errorf("launcher: start daemon: %w", err)
	}
	w.Close()
	pid := cmd.Process.Pid
	_ = cmd.Process.Release()

	return waitReady(ctx, r, pid, timeout)
}

// waitReady blocks until one byte arrives on r.
func waitReady(ctx context.Context, r io.Reader, pid int, timeout time.Duration) error {
	got := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := io.ReadFull(r, buf)
		got <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-got:
		if err != nil {
			return fmt.Errorf("%w: pid %d exited", ErrNotReady, pid)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: pid %d silent after %s", ErrNotReady, pid, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
