package session

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/menu"
	"github.com/vaultmenu/vaultmenu/internal/state"
	"github.com/vaultmenu/vaultmenu/internal/vault"
)

type answer func(prompt string, lines []string) (string, error)

func pick(s string) answer {
	return func(string, []string) (string, error) { return s, nil }
}

// pickLine selects the first line containing substr.
func pickLine(substr string) answer {
	return func(_ string, lines []string) (string, error) {
		for _, l := range lines {
			if strings.Contains(l, substr) {
				return l, nil
			}
		}
		return "", menu.ErrCancelled
	}
}

type fakeMenu struct {
	answers []answer
	prompts []string
	lines   [][]string
	errors  []string
}

func (m *fakeMenu) next(prompt string, lines []string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	m.lines = append(m.lines, lines)
	if len(m.answers) == 0 {
		return "", menu.ErrCancelled
	}
	a := m.answers[0]
	m.answers = m.answers[1:]
	return a(prompt, lines)
}

func (m *fakeMenu) Select(ctx context.Context, prompt string, lines []string) (string, error) {
	return m.next(prompt, lines)
}

func (m *fakeMenu) Password(ctx context.Context, prompt string) (string, error) {
	return m.next(prompt, nil)
}

func (m *fakeMenu) Error(ctx context.Context, msg string) {
	m.errors = append(m.errors, msg)
}

type fakeStore struct {
	path    string
	entries []vault.Entry
	groups  []string
	nextID  int
	reloads int
	saves   int
	closed  bool
}

func (s *fakeStore) Path() string                      { return s.path }
func (s *fakeStore) Entries() []vault.Entry            { return append([]vault.Entry(nil), s.entries...) }
func (s *fakeStore) Search(query string) []vault.Entry { return vault.Match(s.entries, query) }
func (s *fakeStore) Save(ctx context.Context) error    { s.saves++; return nil }
func (s *fakeStore) Reload(ctx context.Context) error  { s.reloads++; return nil }
func (s *fakeStore) Close() error                      { s.closed = true; return nil }

func (s *fakeStore) Groups() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(g string) {
		for g != "" && g != "." && !seen[g] {
			seen[g] = true
			out = append(out, g)
			g = path.Dir(g)
		}
	}
	for _, g := range s.groups {
		add(g)
	}
	for _, e := range s.entries {
		add(e.Group)
	}
	sort.Strings(out)
	return out
}

func (s *fakeStore) Put(e vault.Entry) vault.Entry {
	if e.ID == "" {
		s.nextID++
		e.ID = fmt.Sprintf("new-%d", s.nextID)
	}
	e.Group = vault.CleanGroup(e.Group)
	for i := range s.entries {
		if s.entries[i].ID == e.ID {
			s.entries[i] = e
			return e
		}
	}
	s.entries = append(s.entries, e)
	return e
}

func (s *fakeStore) Delete(id string) error {
	for i, e := range s.entries {
		if e.ID == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return nil
		}
	}
	return vault.ErrNotFound
}

func (s *fakeStore) entry(id string) vault.Entry {
	for _, e := range s.entries {
		if e.ID == id {
			return e
		}
	}
	return vault.Entry{}
}

func (s *fakeStore) AddGroup(group string) error {
	s.groups = append(s.groups, vault.CleanGroup(group))
	return nil
}

func (s *fakeStore) RenameGroup(from, to string) error {
	rebase := func(g string) string {
		if vault.InGroup(g, from) {
			return vault.CleanGroup(to + strings.TrimPrefix(g, from))
		}
		return g
	}
	for i := range s.entries {
		s.entries[i].Group = rebase(s.entries[i].Group)
	}
	for i := range s.groups {
		s.groups[i] = rebase(s.groups[i])
	}
	s.groups = append(s.groups, to)
	return nil
}

func (s *fakeStore) DeleteGroup(group string) (int, error) {
	kept, removed := s.entries[:0:0], 0
	for _, e := range s.entries {
		if vault.InGroup(e.Group, group) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	groups := s.groups[:0:0]
	for _, g := range s.groups {
		if !vault.InGroup(g, group) {
			groups = append(groups, g)
		}
	}
	s.groups = groups
	return removed, nil
}

type fakeEditor struct {
	in  []string
	out string
	err error
}

func (e *fakeEditor) Edit(ctx context.Context, text string) (string, error) {
	e.in = append(e.in, text)
	if e.err != nil {
		return text, e.err
	}
	return e.out, nil
}

type typed struct {
	entry    string
	sequence string
}

type fakePerformer struct {
	typed  []typed
	texts  []string
	copied []string
}

func (p *fakePerformer) TypeEntry(ctx context.Context, e vault.Entry, seq string) error {
	p.typed = append(p.typed, typed{entry: e.Path(), sequence: seq})
	return nil
}

func (p *fakePerformer) TypeText(ctx context.Context, text string) error {
	p.texts = append(p.texts, text)
	return nil
}

func (p *fakePerformer) Copy(ctx context.Context, text string) error {
	p.copied = append(p.copied, text)
	return nil
}

func (p *fakePerformer) TOTP(e vault.Entry) (string, error) {
	if e.OTPURL() == "" {
		return "", errors.New("no otp")
	}
	return "123456", nil
}

type fakePasswords map[string]string

func (f fakePasswords) Password(ctx context.Context, db config.DatabaseConfig) (string, error) {
	if pw, ok := f[db.Path]; ok {
		return pw, nil
	}
	return "", errors.New("no password")
}

type harness struct {
	runner   *Runner
	menu     *fakeMenu
	perf     *fakePerformer
	editor   *fakeEditor
	state    *state.Shared
	stores   map[string]*fakeStore
	opened   []vault.Credentials
	password string
}

var sampleEntries = []vault.Entry{
	{ID: "1", Group: "dev", Title: "github", Username: "octo", Password: "gh-pw", URL: "https://github.com"},
	{ID: "2", Group: "dev", Title: "gitlab", Username: "tanuki", Password: "gl-pw", Autotype: "{PASSWORD}{ENTER}"},
	{ID: "3", Group: "private", Title: "bank", Username: "me", Password: "bank-pw"},
	{ID: "4", Title: "authenticator", Username: "otp-user", OTP: "otpauth://totp/x?secret=JBSWY3DPEHPK3PXP"},
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	h := &harness{
		menu:     &fakeMenu{},
		perf:     &fakePerformer{},
		editor:   &fakeEditor{},
		state:    state.New(),
		stores:   make(map[string]*fakeStore),
		password: "master",
	}
	open := func(ctx context.Context, path string, creds vault.Credentials) (Store, error) {
		h.opened = append(h.opened, creds)
		if creds.Password != h.password {
			return nil, vault.ErrInvalidCredentials
		}
		s := &fakeStore{path: path, entries: append([]vault.Entry(nil), sampleEntries...)}
		h.stores[path] = s
		return s, nil
	}
	h.runner = NewRunner(Options{
		Config:    cfg,
		State:     h.state,
		Menu:      h.menu,
		Performer: h.perf,
		Open:      open,
		Passwords: fakePasswords{"/db/configured.db": "master"},
		Editor:    h.editor,
		Now:       func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	return h
}

func configWith(dbs ...config.DatabaseConfig) *config.Config {
	cfg := config.Default()
	cfg.Databases = dbs
	return cfg
}

// configured is a database whose password comes from a command.
func configured() config.DatabaseConfig {
	return config.DatabaseConfig{Path: "/db/configured.db", PasswordCmd: "pass show vault"}
}

func TestApplyArgsOpensConfiguredDatabase(t *testing.T) {
	cfg := configWith(config.DatabaseConfig{Path: "/db/configured.db", PasswordCmd: "pass vault", Autotype: "{USERNAME}"})
	h := newHarness(t, cfg)

	if err := h.runner.ApplyArgs(context.Background(), channel.ArgBundle{Database: "/db/configured.db"}); err != nil {
		t.Fatalf("ApplyArgs: %v", err)
	}
	if h.state.Current() != "/db/configured.db" {
		t.Errorf("current = %q", h.state.Current())
	}
	if len(h.menu.prompts) != 0 {
		t.Errorf("unexpected prompts: %v", h.menu.prompts)
	}

	h.menu.answers = []answer{pickLine("dev/github")}
	if retire := h.runner.MenuCycle(context.Background()); retire {
		t.Fatal("cycle requested retirement")
	}
	if len(h.perf.typed) != 1 || h.perf.typed[0] != (typed{"dev/github", "{USERNAME}"}) {
		t.Errorf("typed = %+v", h.perf.typed)
	}
}

func TestAutotypePrecedence(t *testing.T) {
	cfg := configWith(config.DatabaseConfig{Path: "/db/configured.db", Password: "master", Autotype: "{USERNAME}"})
	h := newHarness(t, cfg)
	ctx := context.Background()

	if err := h.runner.ApplyArgs(ctx, channel.ArgBundle{Database: "/db/configured.db", Autotype: "{TAB}"}); err != nil {
		t.Fatal(err)
	}
	h.menu.answers = []answer{pickLine("dev/github")}
	h.runner.MenuCycle(ctx)

	h.menu.answers = []answer{pickLine("dev/github")}
	h.runner.MenuCycle(ctx)

	h.menu.answers = []answer{pickLine("dev/gitlab")}
	h.runner.MenuCycle(ctx)

	want := []typed{
		{"dev/github", "{TAB}"},
		{"dev/github", "{USERNAME}"},
		{"dev/gitlab", "{PASSWORD}{ENTER}"},
	}
	if len(h.perf.typed) != len(want) {
		t.Fatalf("typed = %+v", h.perf.typed)
	}
	for i := range want {
		if h.perf.typed[i] != want[i] {
			t.Errorf("typed[%d] = %+v; want %+v", i, h.perf.typed[i], want[i])
		}
	}
}

func TestMenuCycleSelectsDatabaseAndPrompts(t *testing.T) {
	cfg := configWith(
		config.DatabaseConfig{Path: "/db/a.db"},
		config.DatabaseConfig{Path: "/db/b.db"},
	)
	h := newHarness(t, cfg)
	h.menu.answers = []answer{
		pick("/db/b.db"),
		pick("master"),
		pickLine("private/bank"),
	}

	if retire := h.runner.MenuCycle(context.Background()); retire {
		t.Fatal("unexpected retirement")
	}
	if h.state.Current() != "/db/b.db" {
		t.Errorf("current = %q", h.state.Current())
	}
	if h.menu.prompts[0] != "Select Database" || h.menu.prompts[1] != "Password" {
		t.Errorf("prompts = %v", h.menu.prompts)
	}
	if h.menu.prompts[2] != "Entries: /db/b.db" {
		t.Errorf("entries prompt = %q", h.menu.prompts[2])
	}
	if len(h.perf.typed) != 1 || h.perf.typed[0].entry != "private/bank" {
		t.Errorf("typed = %+v", h.perf.typed)
	}
}

func TestInvalidPasswordShowsError(t *testing.T) {
	h := newHarness(t, configWith())
	h.menu.answers = []answer{pick("wrong")}

	err := h.runner.ApplyArgs(context.Background(), channel.ArgBundle{Database: "/db/x.db"})
	if !errors.Is(err, vault.ErrInvalidCredentials) {
		t.Fatalf("err = %v", err)
	}
	if len(h.menu.errors) != 1 || h.menu.errors[0] != "Invalid password or keyfile" {
		t.Errorf("errors = %v", h.menu.errors)
	}
	if len(h.state.Open()) != 0 {
		t.Errorf("open = %v", h.state.Open())
	}
}

func TestBundlePasswordSkipsPrompt(t *testing.T) {
	h := newHarness(t, configWith())
	err := h.runner.ApplyArgs(context.Background(), channel.ArgBundle{Database: "/db/x.db", Keyfile: "/keys/x.key", Password: "master"})
	if err != nil {
		t.Fatal(err)
	}
	if len(h.menu.prompts) != 0 {
		t.Errorf("prompts = %v", h.menu.prompts)
	}
	if h.opened[0].Keyfile != "/keys/x.key" {
		t.Errorf("keyfile = %q", h.opened[0].Keyfile)
	}
}

func TestKillOptionRetires(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	h.menu.answers = []answer{pick(optKill)}
	if !h.runner.MenuCycle(context.Background()) {
		t.Fatal("kill option did not retire")
	}
}

func TestReloadRunsMenuAgain(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	h.menu.answers = []answer{pick(optReload), pickLine("dev/github")}
	h.runner.MenuCycle(context.Background())

	if h.stores["/db/configured.db"].reloads != 1 {
		t.Errorf("reloads = %d", h.stores["/db/configured.db"].reloads)
	}
	if len(h.perf.typed) != 1 {
		t.Errorf("typed = %+v", h.perf.typed)
	}
}

func TestOpenAnotherDatabase(t *testing.T) {
	cfg := configWith(
		configured(),
		config.DatabaseConfig{Path: "/db/other.db"},
	)
	h := newHarness(t, cfg)
	ctx := context.Background()
	if err := h.runner.ApplyArgs(ctx, channel.ArgBundle{Database: "/db/configured.db"}); err != nil {
		t.Fatal(err)
	}

	h.menu.answers = []answer{pick(optOpenAnother), pick("/db/other.db"), pick("master")}
	h.runner.MenuCycle(ctx)

	if h.state.Current() != "/db/other.db" {
		t.Errorf("current = %q", h.state.Current())
	}
	open := h.state.Open()
	if len(open) != 2 {
		t.Errorf("open = %v", open)
	}
	// the database list offered open databases before configured ones
	if got := h.menu.lines[1]; len(got) != 2 || got[0] != "/db/configured.db" {
		t.Errorf("database choices = %v", got)
	}
}

func TestHiddenGroupsAreFiltered(t *testing.T) {
	cfg := configWith(configured())
	cfg.HideGroups = []string{"private"}
	h := newHarness(t, cfg)
	h.runner.MenuCycle(context.Background())

	for _, l := range h.menu.lines[0] {
		if strings.Contains(l, "private/bank") {
			t.Fatalf("hidden entry listed: %q", l)
		}
	}
}

func TestClipboardModeCopiesPassword(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	ctx := context.Background()
	if err := h.runner.ApplyArgs(ctx, channel.ArgBundle{Database: "/db/configured.db", Clipboard: true}); err != nil {
		t.Fatal(err)
	}
	h.menu.answers = []answer{pickLine("dev/github")}
	h.runner.MenuCycle(ctx)

	if len(h.perf.copied) != 1 || h.perf.copied[0] != "gh-pw" {
		t.Errorf("copied = %v", h.perf.copied)
	}
	if len(h.perf.typed) != 0 {
		t.Errorf("typed = %+v", h.perf.typed)
	}
}

func TestViewEntryTypesSelectedField(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	h.menu.answers = []answer{
		pick(optViewType),
		pickLine("dev/github"),
		pick(maskedPassword),
	}
	h.runner.MenuCycle(context.Background())
	if len(h.perf.texts) != 1 || h.perf.texts[0] != "gh-pw" {
		t.Errorf("texts = %v", h.perf.texts)
	}

	// previous entry is offered on the next cycle
	h.menu.answers = []answer{pick(optPrevious), pick("octo")}
	h.runner.MenuCycle(context.Background())
	if len(h.perf.texts) != 2 || h.perf.texts[1] != "octo" {
		t.Errorf("texts = %v", h.perf.texts)
	}
}

func TestOTPCycleListsOnlyOTPEntries(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	h.menu.answers = []answer{pickLine("authenticator")}
	if h.runner.OTPCycle(context.Background()) {
		t.Fatal("unexpected retirement")
	}
	if len(h.menu.lines[0]) != 1 {
		t.Errorf("otp lines = %v", h.menu.lines[0])
	}
	if len(h.perf.texts) != 1 || h.perf.texts[0] != "123456" {
		t.Errorf("texts = %v", h.perf.texts)
	}
}

func TestShowQuery(t *testing.T) {
	cfg := configWith(configured())
	ctx := context.Background()

	tests := []struct {
		name    string
		bundle  channel.ArgBundle
		wantErr bool
		want    string
	}{
		{"single match", channel.ArgBundle{Show: "github"}, false, "gh-pw"},
		{"ambiguous", channel.ArgBundle{Show: "git"}, true, "Multiple entries found matching 'git'. Please be more specific.\n  - dev/github (octo)\n  - dev/gitlab (tanuki)"},
		{"no match", channel.ArgBundle{Show: "nothing"}, true, "No entries found matching 'nothing'"},
		{"no password", channel.ArgBundle{Show: "github", Database: "/db/unknown.db", NoPrompt: true}, true, openFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, cfg)
			res := h.runner.Show(ctx, tt.bundle)
			if res.IsError() != tt.wantErr || res.Message() != tt.want {
				t.Errorf("Show = %q (error=%v); want %q", res.Message(), res.IsError(), tt.want)
			}
			if len(h.menu.prompts) != 0 {
				t.Errorf("show prompted: %v", h.menu.prompts)
			}
		})
	}
}

func TestShowCachesDatabase(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	ctx := context.Background()
	h.runner.Show(ctx, channel.ArgBundle{Show: "github"})
	h.runner.Show(ctx, channel.ArgBundle{Show: "gitlab"})
	if len(h.opened) != 1 {
		t.Errorf("opened %d times; want 1", len(h.opened))
	}
	if h.state.Current() != "/db/configured.db" {
		t.Errorf("current = %q", h.state.Current())
	}
}

func TestShowClipboard(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	res := h.runner.Show(context.Background(), channel.ArgBundle{Show: "github", Clipboard: true})
	if res.IsError() || res.Text != "" {
		t.Errorf("res = %+v", res)
	}
	if len(h.perf.copied) != 1 || h.perf.copied[0] != "gh-pw" {
		t.Errorf("copied = %v", h.perf.copied)
	}
}

func TestRunOnceClosesStore(t *testing.T) {
	h := newHarness(t, configWith(configured()))
	opts := Options{
		Config:    configWith(configured()),
		Menu:      h.menu,
		Performer: h.perf,
		Open:      h.runner.open,
		Passwords: fakePasswords{"/db/configured.db": "master"},
	}
	res := RunOnce(context.Background(), opts, channel.ArgBundle{Show: "bank"})
	if res.IsError() || res.Message() != "bank-pw" {
		t.Fatalf("res = %+v", res)
	}
	if !h.stores["/db/configured.db"].closed {
		t.Error("store left open")
	}
}

func TestFirstRunRecordsDatabase(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, cfg)
	dbPath := filepath.Join(dir, "first.db")
	h.menu.answers = []answer{pick(dbPath), pick(""), pick("master")}

	if h.runner.MenuCycle(context.Background()) {
		t.Fatal("unexpected retirement")
	}
	if h.menu.prompts[0] != initialPathPrompt || h.menu.prompts[1] != initialKeyfilePrompt {
		t.Errorf("prompts = %v", h.menu.prompts)
	}

	reloaded, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.Database(dbPath); !ok {
		t.Errorf("database not recorded: %+v", reloaded.Databases)
	}
}

func TestNoDatabaseRetiresFreshDaemon(t *testing.T) {
	h := newHarness(t, configWith(config.DatabaseConfig{Path: "/db/a.db"}))
	// password prompt dismissed
	if !h.runner.MenuCycle(context.Background()) {
		t.Fatal("daemon with nothing open should retire")
	}
}

func TestEntriesPrompt(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	tests := []struct {
		titlePath any
		want      string
	}{
		{nil, "Entries: /srv/vaults/personal.db"},
		{true, "Entries: /srv/vaults/personal.db"},
		{false, "Entries"},
		{0, "Entries"},
		{5, "Entries: personal.db"},
		{40, "Entries: /srv/vaults/personal.db"},
		{20, "Entries: /srv/v...personal.db"},
	}
	for _, tt := range tests {
		if got := entriesPrompt(tt.titlePath, "/srv/vaults/personal.db"); got != tt.want {
			t.Errorf("entriesPrompt(%v) = %q; want %q", tt.titlePath, got, tt.want)
		}
	}
}

func TestPickEntry(t *testing.T) {
	lines := entryLines(sampleEntries)
	if !strings.HasPrefix(lines[0], "0 - dev/github - octo") {
		t.Errorf("line = %q", lines[0])
	}
	e, ok := pickEntry(sampleEntries, lines[2])
	if !ok || e.ID != "3" {
		t.Errorf("pickEntry = %+v, %v", e, ok)
	}
	if _, ok := pickEntry(sampleEntries, "free text"); ok {
		t.Error("free text matched an entry")
	}
}
