// Package launcher implements the short-lived client side of vaultmenu: it
// locates (or spawns) the per-user daemon through the auth ledger, hands it
// the invocation's arguments and, for show queries, waits for the reply.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/credentials"
	"github.com/vaultmenu/vaultmenu/internal/ledger"
	"github.com/vaultmenu/vaultmenu/internal/registry"
	"github.com/vaultmenu/vaultmenu/internal/session"
)

var (
	// ErrBusy is returned when another invocation's arguments are still
	// waiting to be serviced.
	ErrBusy = errors.New("daemon busy, try again")
	// ErrShowFailed is returned after a failed show query has been reported
	// on the error stream.
	ErrShowFailed = errors.New("launcher: show query failed")
)

const noResponse = "No response from daemon"

// SpawnFunc starts a daemon and blocks until it reports readiness.
type SpawnFunc func(ctx context.Context) error

// PasswordFunc reads a password from the user.
type PasswordFunc func(ctx context.Context, prompt string) (string, error)

// RunOnceFunc answers a show query without a daemon.
type RunOnceFunc func(ctx context.Context, cfg *config.Config, b channel.ArgBundle) channel.ShowResult

// Options configures a Launcher. Zero values select the real
// implementations.
type Options struct {
	Paths  config.Paths
	Config *config.Config
	Stdout io.Writer
	Stderr io.Writer

	Spawn    SpawnFunc
	Password PasswordFunc
	RunOnce  RunOnceFunc
}

// Launcher runs one client invocation.
type Launcher struct {
	paths    config.Paths
	cfg      *config.Config
	ledger   *ledger.Ledger
	stdout   io.Writer
	stderr   io.Writer
	spawn    SpawnFunc
	password PasswordFunc
	runOnce  RunOnceFunc
}

// New returns a Launcher for opts.
func New(opts Options) *Launcher {
	l := &Launcher{
		paths:    opts.Paths,
		cfg:      opts.Config,
		ledger:   ledger.New(opts.Paths),
		stdout:   opts.Stdout,
		stderr:   opts.Stderr,
		spawn:    opts.Spawn,
		password: opts.Password,
		runOnce:  opts.RunOnce,
	}
	if l.cfg == nil {
		l.cfg = config.Default()
	}
	if l.stdout == nil {
		l.stdout = os.Stdout
	}
	if l.stderr == nil {
		l.stderr = os.Stderr
	}
	if l.spawn == nil {
		l.spawn = func(ctx context.Context) error {
			return SpawnDaemon(ctx, l.paths, DefaultReadyTimeout)
		}
	}
	if l.password == nil {
		l.password = func(ctx context.Context, prompt string) (string, error) {
			return PromptPassword(ctx, l.cfg, prompt)
		}
	}
	if l.runOnce == nil {
		l.runOnce = func(ctx context.Context, cfg *config.Config, b channel.ArgBundle) channel.ShowResult {
			return session.RunOnce(ctx, session.DefaultOptions(cfg, nil), b)
		}
	}
	return l
}

// Run performs one invocation with bundle b.
func (l *Launcher) Run(ctx context.Context, b channel.ArgBundle) error {
	b.Database = config.CanonicalPath(b.Database)
	b.Keyfile = config.CanonicalPath(b.Keyfile)

	rec, err := l.ledger.Ensure()
	if err != nil {
		if errors.Is(err, ledger.ErrCorrupt) {
			return err
		}
		return fmt.Errorf("launcher: %w", err)
	}

	var faults []error
	probe := registry.Probe(ctx, rec.Addr(), rec.Key)
	switch probe.State {
	case registry.Faulted:
		return fmt.Errorf("launcher: %w", probe.Err)
	case registry.Unreachable:
		if b.Show != "" {
			return l.showWithoutDaemon(ctx, b)
		}
		if b.Kill {
			return nil
		}
		if err := l.spawn(ctx); err != nil {
			faults = append(faults, err)
		}
	}
	return l.attach(ctx, rec, b, faults)
}

// attach talks to a running daemon. faults are errors already observed in
// this invocation.
func (l *Launcher) attach(ctx context.Context, rec ledger.Record, b channel.ArgBundle, faults []error) error {
	client, err := registry.Dial(rec.Addr(), rec.Key)
	if err != nil {
		return connectFault(err, faults)
	}
	defer client.Close()

	if b.Show != "" && b.Password == "" && !b.NoPrompt {
		if err := l.promptForShow(ctx, client, &b); err != nil {
			return connectFault(err, faults)
		}
	}

	var bundle *channel.ArgBundle
	if !b.Empty() {
		bundle = &b
	}
	if _, err := client.AcquireChannel(ctx, bundle); err != nil {
		if errors.Is(err, channel.ErrBusy) {
			return ErrBusy
		}
		return connectFault(err, faults)
	}

	if bundle != nil {
		if err := client.SignalArgsPending(ctx); err != nil {
			return connectFault(err, faults)
		}
	}
	if b.TOTP {
		if err := client.SignalOtpMode(ctx); err != nil {
			return connectFault(err, faults)
		}
	}
	if err := client.SignalGo(ctx); err != nil {
		return connectFault(err, faults)
	}

	if b.Show == "" {
		return nil
	}
	res, ok, err := client.AwaitShowResult(ctx, l.cfg.ShowTimeout())
	if err != nil {
		return connectFault(err, faults)
	}
	if !ok {
		res = channel.Failure(noResponse)
	}
	return l.report(res)
}

// promptForShow asks for the password locally when the daemon has no
// open copy of the target database and cannot obtain its password itself.
func (l *Launcher) promptForShow(ctx context.Context, client *registry.Client, b *channel.ArgBundle) error {
	target := b.Database
	if target == "" {
		current, err := client.CurrentDatabasePath(ctx)
		if err != nil {
			return err
		}
		target = current
	}
	if target == "" && len(l.cfg.Databases) > 0 {
		target = l.cfg.Databases[0].Path
	}
	if target == "" {
		return nil
	}

	open, err := client.OpenDatabasePaths(ctx)
	if err != nil {
		return err
	}
	passwordable, err := client.ConfigPasswordablePaths(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(open, target) || slices.Contains(passwordable, target) {
		return nil
	}

	pw, err := l.password(ctx, "Password for "+target+": ")
	if err != nil || pw == "" {
		return nil
	}
	b.Database = target
	b.Password = pw
	return nil
}

// showWithoutDaemon answers a show query in this process.
func (l *Launcher) showWithoutDaemon(ctx context.Context, b channel.ArgBundle) error {
	target := b.Database
	if target == "" && len(l.cfg.Databases) > 0 {
		target = l.cfg.Databases[0].Path
	}
	if target != "" && b.Password == "" && !b.NoPrompt && !slices.Contains(credentials.Passwordable(l.cfg), target) {
		if pw, err := l.password(ctx, "Password for "+target+": "); err == nil && pw != "" {
			b.Database = target
			b.Password = pw
		}
	}
	return l.report(l.runOnce(ctx, l.cfg, b))
}

// report prints a show result: the secret on stdout, an error on stderr.
func (l *Launcher) report(res channel.ShowResult) error {
	if res.IsError() {
		fmt.Fprintln(l.stderr, res.Message())
		return ErrShowFailed
	}
	if res.Text != "" {
		fmt.Fprintln(l.stdout, res.Text)
	}
	return nil
}

// connectFault swallows a refused connection when it is the only fault of
// the invocation: the daemon exited between the probe and the call.
func connectFault(err error, faults []error) error {
	if registry.IsConnectionRefused(err) && len(faults) == 0 {
		return nil
	}
	return fmt.Errorf("launcher: %w", errors.Join(append(faults, err)...))
}
