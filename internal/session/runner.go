// Package session holds the request-handling logic the daemon runs for each
// serviced cycle: choosing and unlocking a database, presenting the entry
// menu, typing or copying the selection and answering show queries.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/autotype"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/credentials"
	"github.com/vaultmenu/vaultmenu/internal/editor"
	"github.com/vaultmenu/vaultmenu/internal/menu"
	"github.com/vaultmenu/vaultmenu/internal/state"
	"github.com/vaultmenu/vaultmenu/internal/vault"
)

// Store is an unlocked secrets database. Put, Delete and the group
// operations change memory only until Save.
type Store interface {
	Path() string
	Entries() []vault.Entry
	Search(query string) []vault.Entry
	Groups() []string
	Put(e vault.Entry) vault.Entry
	Delete(id string) error
	AddGroup(group string) error
	RenameGroup(from, to string) error
	DeleteGroup(group string) (int, error)
	Save(ctx context.Context) error
	Reload(ctx context.Context) error
	Close() error
}

// OpenFunc unlocks the database at path.
type OpenFunc func(ctx context.Context, path string, creds vault.Credentials) (Store, error)

// Performer types or copies entry values.
type Performer interface {
	TypeEntry(ctx context.Context, entry vault.Entry, sequence string) error
	TypeText(ctx context.Context, text string) error
	Copy(ctx context.Context, text string) error
	TOTP(entry vault.Entry) (string, error)
}

// TextEditor edits multi-line text such as notes.
type TextEditor interface {
	Edit(ctx context.Context, text string) (string, error)
}

// PasswordSource resolves non-interactive passwords for configured
// databases.
type PasswordSource interface {
	Password(ctx context.Context, db config.DatabaseConfig) (string, error)
}

// Options groups the collaborators of a Runner.
type Options struct {
	Config    *config.Config
	State     *state.Shared
	Menu      menu.Presenter
	Performer Performer
	Open      OpenFunc
	Passwords PasswordSource
	// Editor edits notes and multi-line attributes. Nil runs the editor
	// configured in the current configuration.
	Editor TextEditor
	// Rebuild recreates the menu and performer after a configuration
	// reload. Nil keeps the originals.
	Rebuild func(cfg *config.Config) (menu.Presenter, Performer)
	Now     func() time.Time
}

// DefaultOptions wires the real menu command, autotype tools, vault files
// and password sources.
func DefaultOptions(cfg *config.Config, st *state.Shared) Options {
	m, p := buildCollaborators(cfg)
	return Options{
		Config:    cfg,
		State:     st,
		Menu:      m,
		Performer: p,
		Open:      OpenVault,
		Passwords: credentials.NewResolver(),
		Rebuild:   buildCollaborators,
		Now:       time.Now,
	}
}

func buildCollaborators(cfg *config.Config) (menu.Presenter, Performer) {
	perf, err := autotype.New(cfg)
	if err != nil {
		log.Printf("[Session] %v, falling back to %s", err, config.DefaultTypeLibrary)
		fallback := *cfg
		fallback.Autotype.Library = config.DefaultTypeLibrary
		perf, _ = autotype.New(&fallback)
	}
	return menu.New(cfg), perf
}

// OpenVault opens a vault file.
func OpenVault(ctx context.Context, path string, creds vault.Credentials) (Store, error) {
	v, err := vault.Open(ctx, path, creds)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// database is an open (or candidate) database.
type database struct {
	path     string
	keyfile  string
	password string
	autotype string
	store    Store
}

// Runner implements the daemon's request handler. Cycle methods are called
// from the coordinator goroutine only; SetConfig may be called concurrently.
type Runner struct {
	state     *state.Shared
	open      OpenFunc
	passwords PasswordSource
	editor    TextEditor
	rebuild   func(cfg *config.Config) (menu.Presenter, Performer)
	now       func() time.Time

	mu        sync.Mutex
	cfg       *config.Config
	menu      menu.Presenter
	performer Performer

	databases map[string]*database
	current   *database
	override  string
	clipboard bool
	previous  *vault.Entry
}

// NewRunner returns a Runner for opts.
func NewRunner(opts Options) *Runner {
	st := opts.State
	if st == nil {
		st = state.New()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	open := opts.Open
	if open == nil {
		open = OpenVault
	}
	return &Runner{
		state:     st,
		open:      open,
		passwords: opts.Passwords,
		editor:    opts.Editor,
		rebuild:   opts.Rebuild,
		now:       now,
		cfg:       opts.Config,
		menu:      opts.Menu,
		performer: opts.Performer,
		databases: make(map[string]*database),
	}
}

// SetConfig installs a reloaded configuration.
func (r *Runner) SetConfig(cfg *config.Config) {
	var (
		m menu.Presenter
		p Performer
	)
	if r.rebuild != nil {
		m, p = r.rebuild(cfg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	if m != nil {
		r.menu = m
	}
	if p != nil {
		r.performer = p
	}
}

// deps returns the configuration and collaborators for one cycle.
func (r *Runner) deps() (*config.Config, menu.Presenter, Performer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.menu, r.performer
}

// textEditor returns the editor for cfg.
func (r *Runner) textEditor(cfg *config.Config) TextEditor {
	if r.editor != nil {
		return r.editor
	}
	return editor.New(cfg)
}

func (r *Runner) setConfig(cfg *config.Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Current returns the path of the active database, or "".
func (r *Runner) Current() string {
	if r.current == nil {
		return ""
	}
	return r.current.path
}

// Close locks every open database.
func (r *Runner) Close() error {
	var first error
	for path, db := range r.databases {
		if db.store != nil {
			if err := db.store.Close(); err != nil && first == nil {
				first = err
			}
		}
		r.state.Forget(path)
	}
	r.databases = make(map[string]*database)
	r.current = nil
	return first
}

// endCycle drops per-invocation overrides.
func (r *Runner) endCycle() {
	r.override = ""
	r.clipboard = false
}
