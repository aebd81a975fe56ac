package session

import (
	"context"
	"log"

	"github.com/vaultmenu/vaultmenu/internal/channel"
	"github.com/vaultmenu/vaultmenu/internal/vault"
)

const openFailure = "Could not open database. Make sure the path is correct and password is in config."

// Show answers a non-interactive show query. The database named by b (or
// the current one, or the first configured one) is unlocked without
// prompting and stays cached for later requests.
func (r *Runner) Show(ctx context.Context, b channel.ArgBundle) channel.ShowResult {
	db, err := r.showDatabase(ctx, b)
	if err != nil {
		log.Printf("[Session] show: %v", err)
		return channel.Failure(openFailure)
	}

	entry, err := vault.One(b.Show, db.store.Search(b.Show))
	if err != nil {
		return channel.Failure(err.Error())
	}
	if b.Clipboard {
		_, _, perf := r.deps()
		if err := perf.Copy(ctx, entry.Password); err != nil {
			return channel.Failure("Clipboard error: " + err.Error())
		}
		return channel.Secret("")
	}
	return channel.Secret(entry.Password)
}

func (r *Runner) showDatabase(ctx context.Context, b channel.ArgBundle) (*database, error) {
	if b.Database == "" {
		if r.current != nil {
			return r.current, nil
		}
		cfg, _, _ := r.deps()
		if len(cfg.Databases) == 0 {
			return nil, ErrNoDatabase
		}
		b.Database = cfg.Databases[0].Path
	}
	db, err := r.selectDatabase(ctx, b, false)
	if err != nil {
		return nil, err
	}
	if r.current == nil {
		r.activate(db)
	}
	return db, nil
}

// RunOnce answers a show query without a daemon: the database is opened,
// searched and locked again.
func RunOnce(ctx context.Context, opts Options, b channel.ArgBundle) channel.ShowResult {
	r := NewRunner(opts)
	defer func() {
		if err := r.Close(); err != nil {
			log.Printf("[Session] close: %v", err)
		}
	}()
	return r.Show(ctx, b)
}
