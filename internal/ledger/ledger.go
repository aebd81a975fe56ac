// Package ledger persists the (port, key) pair that locates and authenticates
// the per-user daemon.
//
// The ledger is a small INI-like TOML file:
//
//	[DEFAULT]
//	port = 40123
//	authkey = "qwertyuiopasdfg"
//
// It is created by whichever process first finds it missing and read by every
// later invocation. The daemon that binds the port records its pid as owner
// and removes the file on clean shutdown only while it is still the owner. A
// ledger that
// cannot be parsed is deleted and every other daemon is terminated, since a
// stale or half-written file would otherwise strand clients permanently.
package ledger

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/procutil"
)

// KeyLength is the number of lowercase letters in a generated key.
const KeyLength = 15

const keyAlphabet = "abcdefghijklmnopqrstuvwxyz"

// ErrCorrupt is returned when the ledger exists but cannot be parsed. The file
// has already been removed when this error is returned.
var ErrCorrupt = errors.New("ledger: auth file was corrupted; stopped all instances, please try again")

// ErrSuperseded is returned by Claim when the ledger no longer holds the
// record the caller is serving.
var ErrSuperseded = errors.New("ledger: auth file was replaced by another instance")

// Record is the persisted port and shared key.
type Record struct {
	Port uint16
	Key  string
}

// Addr returns the loopback address the daemon listens on.
func (r Record) Addr() string {
	return net.JoinHostPort("127.0.0.1", fmt.Sprint(r.Port))
}

// String never includes the key.
func (r Record) String() string {
	return fmt.Sprintf("ledger{port=%d}", r.Port)
}

type fileFormat struct {
	Default section `toml:"DEFAULT"`
}

type section struct {
	Port    int64  `toml:"port"`
	AuthKey string `toml:"authkey"`
	Owner   int64  `toml:"owner,omitempty"`
}

func (s section) record() Record {
	return Record{Port: uint16(s.Port), Key: s.AuthKey}
}

// Ledger manages the auth file at a fixed per-user path.
type Ledger struct {
	path     string
	lockPath string
	pidFile  string

	freePort  func() (uint16, error)
	terminate func(pidFile string) error
}

// New returns a ledger rooted at the given per-user paths.
func New(paths config.Paths) *Ledger {
	return &Ledger{
		path:      paths.AuthFile,
		lockPath:  paths.AuthLock,
		pidFile:   paths.PIDFile,
		freePort:  FreePort,
		terminate: procutil.TerminatePIDFile,
	}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Ensure returns the stored record, creating the ledger first if it does not
// exist. Concurrent callers are serialised with a file lock so only one of
// them allocates the port and key.
func (l *Ledger) Ensure() (Record, error) {
	unlock, err := l.lock()
	if err != nil {
		return Record{}, err
	}
	defer unlock()

	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		if err := l.create(); err != nil {
			return Record{}, err
		}
	} else if err != nil {
		return Record{}, fmt.Errorf("ledger: stat %s: %w", l.path, err)
	}

	rec, err := l.read()
	if err != nil {
		log.Printf("[Ledger] %s unreadable (%v), removing and stopping other instances", l.path, err)
		if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			log.Printf("[Ledger] remove %s: %v", l.path, rmErr)
		}
		if l.terminate != nil {
			if termErr := l.terminate(l.pidFile); termErr != nil {
				log.Printf("[Ledger] stop other instances: %v", termErr)
			}
		}
		return Record{}, ErrCorrupt
	}
	return rec, nil
}

// Claim records pid as the owner of rec. It fails with ErrSuperseded when
// the file no longer holds rec.
func (l *Ledger) Claim(rec Record, pid int) error {
	unlock, err := l.lock()
	if err != nil {
		return err
	}
	defer unlock()

	ff, err := l.decode()
	if errors.Is(err, os.ErrNotExist) {
		return ErrSuperseded
	} else if err != nil {
		return fmt.Errorf("ledger: claim %s: %w", l.path, err)
	}
	if ff.Default.record() != rec {
		return ErrSuperseded
	}
	ff.Default.Owner = int64(pid)
	return l.replace(ff)
}

// RemoveIf deletes the ledger when it still holds rec and is owned by pid or
// by nobody. It reports whether the file was removed. A ledger that belongs
// to a newer instance, or that cannot be parsed, is left in place.
func (l *Ledger) RemoveIf(rec Record, pid int) (bool, error) {
	unlock, err := l.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	ff, err := l.decode()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("ledger: %s unreadable, left in place: %w", l.path, err)
	}
	if ff.Default.record() != rec {
		return false, nil
	}
	if owner := ff.Default.Owner; owner != 0 && owner != int64(pid) {
		return false, nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("ledger: remove %s: %w", l.path, err)
	}
	return true, nil
}

func (l *Ledger) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("ledger: create lock directory: %w", err)
	}
	lock := flock.New(l.lockPath)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("ledger: acquire lock: %w", err)
	}
	return func() { _ = lock.Unlock() }, nil
}

// replace rewrites the ledger through a temporary file so readers never see
// a partial body.
func (l *Ledger) replace(ff fileFormat) error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".auth-*")
	if err != nil {
		return fmt.Errorf("ledger: rewrite %s: %w", l.path, err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: rewrite %s: %w", l.path, err)
	}
	if err := toml.NewEncoder(tmp).Encode(ff); err != nil {
		tmp.Close()
		return fmt.Errorf("ledger: rewrite %s: %w", l.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: rewrite %s: %w", l.path, err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("ledger: rewrite %s: %w", l.path, err)
	}
	return nil
}

func (l *Ledger) create() error {
	port, err := l.freePort()
	if err != nil {
		return fmt.Errorf("ledger: allocate port: %w", err)
	}
	key, err := RandomKey()
	if err != nil {
		return fmt.Errorf("ledger: generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return fmt.Errorf("ledger: create directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("ledger: create %s: %w", l.path, err)
	}
	enc := toml.NewEncoder(f)
	if err := enc.Encode(fileFormat{Default: section{Port: int64(port), AuthKey: key}}); err != nil {
		f.Close()
		return fmt.Errorf("ledger: write %s: %w", l.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("ledger: close %s: %w", l.path, err)
	}
	log.Printf("[Ledger] created %s for port %d", l.path, port)
	return nil
}

func (l *Ledger) read() (Record, error) {
	ff, err := l.decode()
	if err != nil {
		return Record{}, err
	}
	return ff.Default.record(), nil
}

func (l *Ledger) decode() (fileFormat, error) {
	var ff fileFormat
	md, err := toml.DecodeFile(l.path, &ff)
	if err != nil {
		return fileFormat{}, err
	}
	if !md.IsDefined("DEFAULT", "port") {
		return fileFormat{}, errors.New("missing port")
	}
	if !md.IsDefined("DEFAULT", "authkey") || ff.Default.AuthKey == "" {
		return fileFormat{}, errors.New("missing authkey")
	}
	if ff.Default.Port <= 0 || ff.Default.Port > 65535 {
		return fileFormat{}, fmt.Errorf("port %d out of range", ff.Default.Port)
	}
	return ff, nil
}

// FreePort asks the kernel for a currently bindable loopback TCP port.
func FreePort() (uint16, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer lis.Close()
	return uint16(lis.Addr().(*net.TCPAddr).Port), nil
}

// RandomKey returns a KeyLength-long random lowercase token.
func RandomKey() (string, error) {
	buf := make([]byte, KeyLength)
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = keyAlphabet[n.Int64()]
	}
	return string(buf), nil
}
