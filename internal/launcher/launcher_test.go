package launcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/daemon"
	"github.com/vaultmenu/vaultmenu/internal/ledger"
	"github.com/vaultmenu/vaultmenu/internal/registry"
	"github.com/vaultmenu/vaultmenu/internal/state"
)

type recordingHandler struct {
	mu      sync.Mutex
	bundles []channel.ArgBundle
	cycles  chan string
	show    channel.ShowResult
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{cycles: make(chan string, 8), show: channel.Secret("s3cret")}
}

func (h *recordingHandler) record(b channel.ArgBundle) {
	h.mu.Lock()
	h.bundles = append(h.bundles, b)
	h.mu.Unlock()
}

func (h *recordingHandler) received() []channel.ArgBundle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]channel.ArgBundle(nil), h.bundles...)
}

func (h *recordingHandler) ApplyArgs(ctx context.Context, b channel.ArgBundle) error {
	h.record(b)
	return nil
}

func (h *recordingHandler) Show(ctx context.Context, b channel.ArgBundle) channel.ShowResult {
	h.record(b)
	return h.show
}

func (h *recordingHandler) MenuCycle(ctx context.Context) bool {
	h.cycles <- "menu"
	return false
}

func (h *recordingHandler) OTPCycle(ctx context.Context) bool {
	h.cycles <- "otp"
	return false
}

func (h *recordingHandler) waitCycle(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.cycles:
		if got != want {
			t.Fatalf("cycle = %s; want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s cycle", want)
	}
}

func requireNetwork(t *testing.T) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("network not permitted: %v", err)
	}
	lis.Close()
}

type fixture struct {
	launcher *Launcher
	stdout   bytes.Buffer
	stderr   bytes.Buffer
	spawns   int
	prompts  []string
	once     []channel.ArgBundle
	daemon   *daemon.Daemon
}

// newFixture builds a launcher whose spawn starts an in-process daemon
// serving h.
func newFixture(t *testing.T, h daemon.Handler) *fixture {
	t.Helper()
	t.Setenv(config.HomeEnv, t.TempDir())
	f := &fixture{}
	paths := config.GetPaths()

	spawn := func(ctx context.Context) error {
		f.spawns++
		r, w := io.Pipe()
		d, err := daemon.New(daemon.Options{
			Paths: paths,
			Ready: w,
			NewHandler: func(cfg *config.Config, st *state.Shared) daemon.Handler {
				return h
			},
		})
		if err != nil {
			return err
		}
		f.daemon = d
		done := make(chan error, 1)
		go func() { done <- d.Run(context.Background()) }()
		t.Cleanup(func() {
			d.Shutdown("test")
			<-done
		})
		return waitReady(ctx, r, os.Getpid(), 5*time.Second)
	}

	f.launcher = New(Options{
		Paths:  paths,
		Config: config.Default(),
		Stdout: &f.stdout,
		Stderr: &f.stderr,
		Spawn:  spawn,
		Password: func(ctx context.Context, prompt string) (string, error) {
			f.prompts = append(f.prompts, prompt)
			return "typed-pw", nil
		},
		RunOnce: func(ctx context.Context, cfg *config.Config, b channel.ArgBundle) channel.ShowResult {
			f.once = append(f.once, b)
			return channel.Secret("local-secret")
		},
	})
	return f
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunSpawnsDaemonAndPushesArgs(t *testing.T) {
	requireNetwork(t)
	h := newRecordingHandler()
	f := newFixture(t, h)
	ctx := testContext(t)

	b := channel.ArgBundle{Database: "/db/work.db", Autotype: "{PASSWORD}"}
	if err := f.launcher.Run(ctx, b); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.waitCycle(t, "menu")
	if f.spawns != 1 {
		t.Errorf("spawns = %d", f.spawns)
	}
	got := h.received()
	if len(got) != 1 || got[0].Database != "/db/work.db" || got[0].Autotype != "{PASSWORD}" {
		t.Errorf("bundles = %+v", got)
	}

	// the second invocation attaches to the running daemon
	if err := f.launcher.Run(ctx, channel.ArgBundle{}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	h.waitCycle(t, "menu")
	if f.spawns != 1 {
		t.Errorf("spawns after attach = %d", f.spawns)
	}
	if len(h.received()) != 1 {
		t.Errorf("empty invocation pushed a bundle: %+v", h.received())
	}
}

func TestRunOTPMode(t *testing.T) {
	requireNetwork(t)
	h := newRecordingHandler()
	f := newFixture(t, h)

	if err := f.launcher.Run(testContext(t), channel.ArgBundle{TOTP: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	h.waitCycle(t, "otp")
}

func TestShowThroughDaemon(t *testing.T) {
	requireNetwork(t)
	h := newRecordingHandler()
	f := newFixture(t, h)
	ctx := testContext(t)

	// start the daemon with a plain invocation first
	if err := f.launcher.Run(ctx, channel.ArgBundle{}); err != nil {
		t.Fatal(err)
	}
	h.waitCycle(t, "menu")

	if err := f.launcher.Run(ctx, channel.ArgBundle{Show: "github", Database: "/db/new.db"}); err != nil {
		t.Fatalf("show Run: %v", err)
	}
	if got := f.stdout.String(); got != "s3cret\n" {
		t.Errorf("stdout = %q", got)
	}
	if len(f.prompts) != 1 || !strings.Contains(f.prompts[0], "/db/new.db") {
		t.Errorf("prompts = %v", f.prompts)
	}
	got := h.received()
	if len(got) != 1 || got[0].Password != "typed-pw" || got[0].Show != "github" {
		t.Errorf("bundles = %+v", got)
	}
}

func TestShowFailureGoesToStderr(t *testing.T) {
	requireNetwork(t)
	h := newRecordingHandler()
	h.show = channel.Failure("No entries found matching 'nope'")
	f := newFixture(t, h)
	ctx := testContext(t)

	if err := f.launcher.Run(ctx, channel.ArgBundle{}); err != nil {
		t.Fatal(err)
	}
	h.waitCycle(t, "menu")

	err := f.launcher.Run(ctx, channel.ArgBundle{Show: "nope", NoPrompt: true})
	if !errors.Is(err, ErrShowFailed) {
		t.Fatalf("err = %v", err)
	}
	if got := f.stderr.String(); got != "No entries found matching 'nope'\n" {
		t.Errorf("stderr = %q", got)
	}
	if f.stdout.Len() != 0 {
		t.Errorf("stdout = %q", f.stdout.String())
	}
	if len(f.prompts) != 0 {
		t.Errorf("no-prompt invocation prompted: %v", f.prompts)
	}
}

func TestBusyChannelIsReported(t *testing.T) {
	requireNetwork(t)
	h := newRecordingHandler()
	f := newFixture(t, h)
	ctx := testContext(t)

	if err := f.launcher.Run(ctx, channel.ArgBundle{}); err != nil {
		t.Fatal(err)
	}
	h.waitCycle(t, "menu")

	rec := f.daemon.Record()
	client, err := registry.Dial(rec.Addr(), rec.Key)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()
	if _, err := client.AcquireChannel(ctx, &channel.ArgBundle{Database: "/db/first.db"}); err != nil {
		t.Fatalf("AcquireChannel: %v", err)
	}

	err = f.launcher.Run(ctx, channel.ArgBundle{Database: "/db/second.db"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v; want ErrBusy", err)
	}
}

func TestShowWithoutDaemonRunsInProcess(t *testing.T) {
	requireNetwork(t)
	f := newFixture(t, newRecordingHandler())

	if err := f.launcher.Run(testContext(t), channel.ArgBundle{Show: "bank", Database: "/db/home.db"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.spawns != 0 {
		t.Errorf("show query spawned a daemon")
	}
	if got := f.stdout.String(); got != "local-secret\n" {
		t.Errorf("stdout = %q", got)
	}
	if len(f.once) != 1 || f.once[0].Password != "typed-pw" {
		t.Errorf("run-once bundles = %+v", f.once)
	}
}

func TestShowWithoutDaemonSkipsPromptForPasswordable(t *testing.T) {
	requireNetwork(t)
	f := newFixture(t, newRecordingHandler())
	cfg := config.Default()
	cfg.Databases = []config.DatabaseConfig{{Path: "/db/home.db", PasswordCmd: "pass show home"}}
	f.launcher.cfg = cfg

	if err := f.launcher.Run(testContext(t), channel.ArgBundle{Show: "bank"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.prompts) != 0 {
		t.Errorf("prompts = %v", f.prompts)
	}
	if len(f.once) != 1 || f.once[0].Password != "" {
		t.Errorf("run-once bundles = %+v", f.once)
	}
}

func TestKillWithoutDaemonIsNoop(t *testing.T) {
	requireNetwork(t)
	f := newFixture(t, newRecordingHandler())
	if err := f.launcher.Run(testContext(t), channel.ArgBundle{Kill: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.spawns != 0 {
		t.Errorf("kill spawned a daemon")
	}
}

func TestRefusedConnectionAfterSpawn(t *testing.T) {
	requireNetwork(t)
	t.Setenv(config.HomeEnv, t.TempDir())
	paths := config.GetPaths()

	quiet := New(Options{
		Paths:  paths,
		Stdout: io.Discard,
		Stderr: io.Discard,
		Spawn:  func(ctx context.Context) error { return nil },
	})
	// the daemon vanished between spawn and connect: nothing to report
	if err := quiet.Run(testContext(t), channel.ArgBundle{}); err != nil {
		t.Fatalf("lone refused connection surfaced: %v", err)
	}

	failing := New(Options{
		Paths:  paths,
		Stdout: io.Discard,
		Stderr: io.Discard,
		Spawn:  func(ctx context.Context) error { return ErrNotReady },
	})
	err := failing.Run(testContext(t), channel.ArgBundle{})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v; want the spawn fault", err)
	}
}

func TestCorruptLedgerStopsInvocation(t *testing.T) {
	t.Setenv(config.HomeEnv, t.TempDir())
	paths := config.GetPaths()
	if err := config.EnsureDirs(paths); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.AuthFile, []byte("this is = = not toml"), 0o600); err != nil {
		t.Fatal(err)
	}

	l := New(Options{
		Paths: paths,
		Spawn: func(ctx context.Context) error {
			t.Error("spawned despite corrupt ledger")
			return nil
		},
	})
	if err := l.Run(context.Background(), channel.ArgBundle{}); !errors.Is(err, ledger.ErrCorrupt) {
		t.Fatalf("err = %v; want ErrCorrupt", err)
	}
	if _, err := os.Stat(paths.AuthFile); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("corrupt ledger left behind: %v", err)
	}
}

func TestWaitReady(t *testing.T) {
	ctx := context.Background()

	r, w := io.Pipe()
	go func() {
		w.Write([]byte{1})
		w.Close()
	}()
	if err := waitReady(ctx, r, 1, time.Second); err != nil {
		t.Errorf("ready byte: %v", err)
	}

	r, w = io.Pipe()
	w.Close()
	if err := waitReady(ctx, r, 1, time.Second); !errors.Is(err, ErrNotReady) {
		t.Errorf("closed pipe: %v", err)
	}

	r, _ = io.Pipe()
	if err := waitReady(ctx, r, 1, 50*time.Millisecond); !errors.Is(err, ErrNotReady) {
		t.Errorf("silent daemon: %v", err)
	}
}
