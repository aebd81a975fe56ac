// Package vault implements the secrets database: a SQLite file whose entries
// are individually encrypted with an age X25519 identity. The identity itself
// is stored in the file wrapped with an age scrypt recipient derived from the
// master password and, optionally, a key file digest.
package vault

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/vaultmenu/vaultmenu/internal/otp"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

const (
	schemaVersion      = "1"
	defaultBusyTimeout = 5 * time.Second
	// DefaultWorkFactor is the scrypt work factor used for new vaults.
	DefaultWorkFactor = 18
)

var (
	// ErrInvalidCredentials is returned when the password or key file does
	// not unlock the vault.
	ErrInvalidCredentials = errors.New("vault: invalid credentials")
	// ErrNotFound is returned when the vault file or a requested entry does
	// not exist.
	ErrNotFound = errors.New("vault: not found")
	// ErrExists is returned by Create when the target file is already present.
	ErrExists = errors.New("vault: file already exists")
)

// Credentials unlock a vault.
type Credentials struct {
	Password string
	Keyfile  string
}

// passphrase folds the key file digest into the password.
func (c Credentials) passphrase() (string, error) {
	if c.Keyfile == "" {
		if c.Password == "" {
			return "", fmt.Errorf("%w: empty password", ErrInvalidCredentials)
		}
		return c.Password, nil
	}
	data, err := os.ReadFile(c.Keyfile)
	if err != nil {
		return "", fmt.Errorf("vault: read key file: %w", err)
	}
	sum := blake3.Sum256(data)
	return c.Password + "\x00" + hex.EncodeToString(sum[:]), nil
}

// Entry is one stored secret.
type Entry struct {
	ID       string            `cbor:"id"`
	Group    string            `cbor:"group,omitempty"`
	Title    string            `cbor:"title"`
	Username string            `cbor:"username,omitempty"`
	Password string            `cbor:"password,omitempty"`
	URL      string            `cbor:"url,omitempty"`
	Notes    string            `cbor:"notes,omitempty"`
	Autotype string            `cbor:"autotype,omitempty"`
	OTP      string            `cbor:"otp,omitempty"`
	Fields   map[string]string `cbor:"fields,omitempty"`
	Expires  time.Time         `cbor:"expires,omitempty"`
	Modified time.Time         `cbor:"modified"`
}

// Path returns group/title, or just the title for ungrouped entries.
func (e Entry) Path() string {
	if e.Group == "" {
		return e.Title
	}
	return path.Join(e.Group, e.Title)
}

// Expired reports whether the entry expires before t.
func (e Entry) Expired(t time.Time) bool {
	return !e.Expires.IsZero() && e.Expires.Before(t)
}

// OTPURL returns the entry's otpauth URL, falling back to OTP settings kept
// in custom fields. It is empty when the entry has no OTP data.
func (e Entry) OTPURL() string {
	if e.OTP != "" {
		return e.OTP
	}
	return otp.URLFromFields(e.Fields)
}

// Option customises Create and Open.
type Option func(*options)

type options struct {
	workFactor int
}

// WithWorkFactor sets the scrypt work factor used when creating a vault.
func WithWorkFactor(n int) Option {
	return func(o *options) {
		o.workFactor = n
	}
}

// Vault is an unlocked secrets database. Entries are held decrypted in
// memory; Save writes modified entries back.
type Vault struct {
	path      string
	db        *sql.DB
	identity  *age.X25519Identity
	recipient *age.X25519Recipient

	mu          sync.RWMutex
	entries     map[string]Entry
	dirty       map[string]struct{}
	deleted     map[string]struct{}
	groups      map[string]struct{}
	groupsDirty bool
}

// Create initialises a new vault at filePath.
func Create(ctx context.Context, filePath string, creds Credentials, opts ...Option) (*Vault, error) {
	o := options{workFactor: DefaultWorkFactor}
	for _, opt := range opts {
		opt(&o)
	}
	if _, err := os.Stat(filePath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, filePath)
	}
	pass, err := creds.passphrase()
	if err != nil {
		return nil, err
	}

	wrap, err := age.NewScryptRecipient(pass)
	if err != nil {
		return nil, fmt.Errorf("vault: scrypt recipient: %w", err)
	}
	wrap.SetWorkFactor(o.workFactor)

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("vault: generate identity: %w", err)
	}
	sealed, err := seal([]byte(identity.String()), wrap)
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx, filePath)
	if err != nil {
		return nil, err
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('version', ?), ('identity', ?)`,
		[]byte(schemaVersion), sealed); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: write metadata: %w", err)
	}

	return &Vault{
		path:      filePath,
		db:        db,
		identity:  identity,
		recipient: identity.Recipient(),
		entries:   make(map[string]Entry),
		dirty:     make(map[string]struct{}),
		deleted:   make(map[string]struct{}),
		groups:    make(map[string]struct{}),
	}, nil
}

// Open unlocks the vault at filePath and loads its entries.
func Open(ctx context.Context, filePath string, creds Credentials, opts ...Option) (*Vault, error) {
	if _, err := os.Stat(filePath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filePath)
	}
	pass, err := creds.passphrase()
	if err != nil {
		return nil, err
	}

	db, err := openDB(ctx, filePath)
	if err != nil {
		return nil, err
	}

	var sealed []byte
	err = db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'identity'`).Scan(&sealed)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: read identity from %s: %w", filePath, err)
	}

	unwrap, err := age.NewScryptIdentity(pass)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: scrypt identity: %w", err)
	}
	raw, err := unseal(sealed, unwrap)
	if err != nil {
		db.Close()
		return nil, err
	}
	identity, err := age.ParseX25519Identity(string(raw))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: parse identity: %w", err)
	}

	v := &Vault{
		path:      filePath,
		db:        db,
		identity:  identity,
		recipient: identity.Recipient(),
	}
	if err := v.Reload(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return v, nil
}

func openDB(ctx context.Context, filePath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", filePath)
	if err != nil {
		return nil, fmt.Errorf("vault: open sqlite %s: %w", filePath, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("vault: %s: %w", p, err)
		}
	}
	if err := os.Chmod(filePath, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault: restrict permissions: %w", err)
	}
	return db, nil
}

func applySchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id         TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("vault: apply schema: %w", err)
	}
	return nil
}

func seal(plaintext []byte, recipient age.Recipient) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("vault: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("vault: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("vault: finalize encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func unseal(ciphertext []byte, identity age.Identity) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	return out, nil
}

// Path returns the vault file location.
func (v *Vault) Path() string {
	return v.path
}

// Reload discards in-memory changes and reads every entry from disk.
func (v *Vault) Reload(ctx context.Context) error {
	rows, err := v.db.QueryContext(ctx, `SELECT id, payload FROM entries`)
	if err != nil {
		return fmt.Errorf("vault: query entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return fmt.Errorf("vault: scan entry: %w", err)
		}
		plain, err := unseal(payload, v.identity)
		if err != nil {
			return fmt.Errorf("vault: entry %s: %w", id, err)
		}
		var e Entry
		if err := cbor.Unmarshal(plain, &e); err != nil {
			return fmt.Errorf("vault: decode entry %s: %w", id, err)
		}
		e.ID = id
		entries[id] = e
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("vault: iterate entries: %w", err)
	}
	groups, err := v.loadGroups(ctx)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.entries = entries
	v.groups = groups
	v.dirty = make(map[string]struct{})
	v.deleted = make(map[string]struct{})
	v.groupsDirty = false
	v.mu.Unlock()
	return nil
}

func (v *Vault) loadGroups(ctx context.Context) (map[string]struct{}, error) {
	groups := make(map[string]struct{})
	var sealed []byte
	err := v.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'groups'`).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return groups, nil
	} else if err != nil {
		return nil, fmt.Errorf("vault: read groups: %w", err)
	}
	plain, err := unseal(sealed, v.identity)
	if err != nil {
		return nil, fmt.Errorf("vault: groups: %w", err)
	}
	var names []string
	if err := cbor.Unmarshal(plain, &names); err != nil {
		return nil, fmt.Errorf("vault: decode groups: %w", err)
	}
	for _, g := range names {
		if g = CleanGroup(g); g != "" {
			groups[g] = struct{}{}
		}
	}
	return groups, nil
}

// Entries returns every entry ordered by path.
func (v *Vault) Entries() []Entry {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Entry, 0, len(v.entries))
	for _, e := range v.entries {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

// Search returns the entries matching query, see Match.
func (v *Vault) Search(query string) []Entry {
	return Match(v.Entries(), query)
}

// Put adds or replaces an entry in memory. Entries without an id are
// assigned one. The stored entry is returned.
func (v *Vault) Put(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Group = CleanGroup(e.Group)
	e.Modified = time.Now().UTC()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[e.ID] = e
	v.dirty[e.ID] = struct{}{}
	delete(v.deleted, e.ID)
	return e
}

// Delete removes an entry in memory.
func (v *Vault) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[id]; !ok {
		return fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	delete(v.entries, id)
	delete(v.dirty, id)
	v.deleted[id] = struct{}{}
	return nil
}

// Save writes pending changes in a single transaction.
func (v *Vault) Save(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.dirty) == 0 && len(v.deleted) == 0 && !v.groupsDirty {
		return nil
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vault: begin: %w", err)
	}
	defer tx.Rollback()

	for id := range v.dirty {
		plain, err := cbor.Marshal(v.entries[id])
		if err != nil {
			return fmt.Errorf("vault: encode entry %s: %w", id, err)
		}
		payload, err := seal(plain, v.recipient)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entries (id, payload, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			id, payload, v.entries[id].Modified.Unix()); err != nil {
			return fmt.Errorf("vault: write entry %s: %w", id, err)
		}
	}
	for id := range v.deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("vault: delete entry %s: %w", id, err)
		}
	}
	if v.groupsDirty {
		names := make([]string, 0, len(v.groups))
		for g := range v.groups {
			names = append(names, g)
		}
		sort.Strings(names)
		plain, err := cbor.Marshal(names)
		if err != nil {
			return fmt.Errorf("vault: encode groups: %w", err)
		}
		payload, err := seal(plain, v.recipient)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta (key, value) VALUES ('groups', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, payload); err != nil {
			return fmt.Errorf("vault: write groups: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vault: commit: %w", err)
	}
	v.dirty = make(map[string]struct{})
	v.deleted = make(map[string]struct{})
	v.groupsDirty = false
	return nil
}

// Close releases the database handle. Unsaved changes are discarded.
func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := strings.ToLower(entries[i].Path()), strings.ToLower(entries[j].Path())
		if a != b {
			return a < b
		}
		return entries[i].ID < entries[j].ID
	})
}
