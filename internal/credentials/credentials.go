// Package credentials resolves database passwords from the sources a
// configured database may declare: a literal password, a password command or
// the OS keyring.
package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/procutil"
	"github.com/zalando/go-keyring"
)

// KeyringService is the service name under which database passwords are
// stored in the OS keyring. The keyring user is the database path.
const KeyringService = "vaultmenu"

const passwordCmdTimeout = 30 * time.Second

// ErrNoPassword is returned when a database declares no password source.
var ErrNoPassword = errors.New("credentials: no password source configured")

// keyringProvider abstracts go-keyring calls for testing.
type keyringProvider interface {
	Set(service, user, password string) error
	Get(service, user string) (string, error)
	Delete(service, user string) error
}

// osKeyring delegates to the real go-keyring package.
type osKeyring struct{}

func (osKeyring) Set(service, user, password string) error {
	return keyring.Set(service, user, password)
}
func (osKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (osKeyring) Delete(service, user string) error        { return keyring.Delete(service, user) }

// Resolver looks up passwords for configured databases.
type Resolver struct {
	keyring keyringProvider
	run     func(ctx context.Context, command string) (string, error)
}

// NewResolver returns a Resolver backed by the OS keyring.
func NewResolver() *Resolver {
	return &Resolver{keyring: osKeyring{}, run: runPasswordCmd}
}

// HasSource reports whether db declares any non-interactive password source.
func HasSource(db config.DatabaseConfig) bool {
	return db.Password != "" || db.PasswordCmd != "" || db.Keyring
}

// Passwordable returns the configured database paths whose password can be
// obtained without an interactive prompt.
func Passwordable(cfg *config.Config) []string {
	var paths []string
	for _, db := range cfg.Databases {
		if HasSource(db) {
			paths = append(paths, db.Path)
		}
	}
	return paths
}

// Password returns the password for db. Sources are tried in order:
// password_cmd, keyring, literal password.
func (r *Resolver) Password(ctx context.Context, db config.DatabaseConfig) (string, error) {
	if db.PasswordCmd != "" {
		out, err := r.run(ctx, db.PasswordCmd)
		if err != nil {
			return "", err
		}
		if out != "" {
			return out, nil
		}
	}
	if db.Keyring {
		pw, err := r.keyring.Get(KeyringService, db.Path)
		if err == nil && pw != "" {
			return pw, nil
		}
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("credentials: keyring lookup for %s: %w", db.Path, err)
		}
	}
	if db.Password != "" {
		return db.Password, nil
	}
	return "", ErrNoPassword
}

// Store saves password for path in the OS keyring.
func (r *Resolver) Store(path, password string) error {
	if err := r.keyring.Set(KeyringService, path, password); err != nil {
		return fmt.Errorf("credentials: keyring store for %s: %w", path, err)
	}
	return nil
}

func runPasswordCmd(ctx context.Context, command string) (string, error) {
	fields, err := procutil.SplitCommand(command)
	if err != nil {
		return "", fmt.Errorf("credentials: password command: %w", err)
	}
	if len(fields) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, passwordCmdTimeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	if stderr.Len() > 0 {
		return "", fmt.Errorf("credentials: password command error: %s", strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		return "", fmt.Errorf("credentials: password command: %w", err)
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}
