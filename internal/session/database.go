package session

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/credentials"
	"github.com/vaultmenu/vaultmenu/internal/menu"
	"github.com/vaultmenu/vaultmenu/internal/vault"
)

var (
	// ErrNoDatabase is returned when no database was chosen or none could
	// be unlocked.
	ErrNoDatabase = errors.New("session: no database selected")
	// ErrPasswordRequired is returned when a password is needed but
	// prompting is not allowed.
	ErrPasswordRequired = errors.New("session: password required")
)

const (
	initialPathPrompt    = "Enter path to existing vault. ~/ for $HOME is ok"
	initialKeyfilePrompt = "Enter path to keyfile. ~/ for $HOME is ok"
)

// ApplyArgs opens or switches to the database named by b and records the
// per-invocation overrides for the cycle that follows.
func (r *Runner) ApplyArgs(ctx context.Context, b channel.ArgBundle) error {
	db, err := r.selectDatabase(ctx, b, true)
	if err != nil {
		return err
	}
	r.activate(db)
	r.override = b.Autotype
	r.clipboard = b.Clipboard
	return nil
}

// selectDatabase picks the database for a request, unlocking it if needed.
// Interactive prompts are only shown when interactive is set and b does not
// forbid them.
func (r *Runner) selectDatabase(ctx context.Context, b channel.ArgBundle, interactive bool) (*database, error) {
	cfg, m, _ := r.deps()
	interactive = interactive && !b.NoPrompt
	cliPath := config.CanonicalPath(b.Database)

	var candidates []*database
	switch {
	case len(cfg.Databases) == 0 && cliPath == "" && len(r.databases) == 0:
		if !interactive {
			return nil, ErrNoDatabase
		}
		db, err := r.firstRun(ctx, cfg, m)
		if err != nil {
			return nil, err
		}
		candidates = []*database{db}

	case cliPath != "":
		if db, ok := r.databases[cliPath]; ok {
			candidates = []*database{db}
			break
		}
		db := &database{path: cliPath, keyfile: config.CanonicalPath(b.Keyfile), password: b.Password}
		if dc, ok := cfg.Database(cliPath); ok {
			if db.keyfile == "" {
				db.keyfile = dc.Keyfile
			}
			db.autotype = dc.Autotype
		}
		candidates = []*database{db}

	case b.Autotype != "" && r.current != nil:
		candidates = []*database{r.current}

	case len(r.databases) > 0:
		candidates = append(candidates, r.openDatabases()...)
		for _, dc := range cfg.Databases {
			if _, ok := r.databases[dc.Path]; !ok {
				candidates = append(candidates, fromConfig(dc))
			}
		}

	default:
		for _, dc := range cfg.Databases {
			candidates = append(candidates, fromConfig(dc))
		}
	}

	chosen := candidates[0]
	if len(candidates) > 1 {
		if !interactive {
			return nil, ErrNoDatabase
		}
		paths := make([]string, len(candidates))
		for i, c := range candidates {
			paths[i] = c.path
		}
		sel, err := m.Select(ctx, "Select Database", paths)
		if err != nil {
			return nil, ErrNoDatabase
		}
		chosen = nil
		for _, c := range candidates {
			if c.path == sel {
				chosen = c
				break
			}
		}
		if chosen == nil {
			return nil, ErrNoDatabase
		}
	}

	if chosen.store != nil {
		return chosen, nil
	}
	if err := r.unlock(ctx, cfg, m, chosen, interactive); err != nil {
		return nil, err
	}
	return chosen, nil
}

func fromConfig(dc config.DatabaseConfig) *database {
	return &database{path: dc.Path, keyfile: dc.Keyfile, autotype: dc.Autotype}
}

// firstRun asks for a database path and key file and records them in the
// configuration file.
func (r *Runner) firstRun(ctx context.Context, cfg *config.Config, m menu.Presenter) (*database, error) {
	path, err := m.Select(ctx, initialPathPrompt, nil)
	if err != nil || path == "" {
		m.Error(ctx, "No database entered. Try again.")
		return nil, ErrNoDatabase
	}
	keyfile, _ := m.Select(ctx, initialKeyfilePrompt, nil)

	dc := config.DatabaseConfig{Path: path, Keyfile: keyfile}
	next := cfg.WithDatabase(dc)
	if err := next.Save(); err != nil {
		log.Printf("[Session] save configuration: %v", err)
	} else {
		r.setConfig(next)
	}
	added := next.Databases[len(next.Databases)-1]
	return fromConfig(added), nil
}

// unlock resolves the password for db and opens its store.
func (r *Runner) unlock(ctx context.Context, cfg *config.Config, m menu.Presenter, db *database, interactive bool) error {
	password := db.password
	if password == "" {
		if dc, ok := cfg.Database(db.path); ok && credentials.HasSource(dc) && r.passwords != nil {
			pw, err := r.passwords.Password(ctx, dc)
			if err != nil {
				log.Printf("[Session] password source for %s: %v", db.path, err)
				if interactive {
					m.Error(ctx, fmt.Sprintf("Password command error: %v", err))
				}
				return err
			}
			password = pw
		}
	}
	if password == "" {
		if !interactive {
			return ErrPasswordRequired
		}
		pw, err := m.Password(ctx, "Password")
		if err != nil || pw == "" {
			return ErrNoDatabase
		}
		password = pw
	}

	store, err := r.open(ctx, db.path, vault.Credentials{Password: password, Keyfile: db.keyfile})
	if err != nil {
		log.Printf("[Session] open %s: %v", db.path, err)
		if interactive {
			m.Error(ctx, openErrorMessage(err))
		}
		return err
	}
	db.password = password
	db.store = store
	r.databases[db.path] = db
	r.state.MarkOpen(db.path)
	log.Printf("[Session] opened %s (%d entries)", db.path, len(store.Entries()))
	return nil
}

func openErrorMessage(err error) string {
	switch {
	case errors.Is(err, vault.ErrInvalidCredentials):
		return "Invalid password or keyfile"
	case errors.Is(err, vault.ErrNotFound):
		return "Database does not exist. Check path and filename."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

// activate makes db the current database.
func (r *Runner) activate(db *database) {
	r.current = db
	r.state.SetCurrent(db.path)
}

// openDatabases returns open databases in a stable order.
func (r *Runner) openDatabases() []*database {
	paths := r.state.Open()
	out := make([]*database, 0, len(paths))
	for _, p := range paths {
		if db, ok := r.databases[p]; ok {
			out = append(out, db)
		}
	}
	return out
}
