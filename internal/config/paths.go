package config

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides every per-user location with a single directory. Used by
// tests and by users who want an isolated daemon.
const HomeEnv = "VAULTMENU_HOME"

// Paths contains all per-user locations used by the launcher and the daemon.
type Paths struct {
	ConfigDir  string // Directory holding config.yaml
	ConfigFile string // YAML configuration file
	StateDir   string // Runtime state (pid file, logs)
	AuthFile   string // Auth ledger (port + key)
	AuthLock   string // flock guarding ledger creation
	PIDFile    string // Daemon pid file
	Logs       string // Logs directory
}

// GetPaths returns the per-user paths, honouring VAULTMENU_HOME and the XDG
// base directory variables.
func GetPaths() Paths {
	if root := os.Getenv(HomeEnv); root != "" {
		return pathsUnder(filepath.Join(root, "config"), filepath.Join(root, "cache"))
	}
	return pathsUnder(filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "vaultmenu"), xdgDir("XDG_CACHE_HOME", ".cache"))
}

func pathsUnder(configDir, cacheDir string) Paths {
	stateDir := filepath.Join(cacheDir, "vaultmenu")
	return Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, "config.yaml"),
		StateDir:   stateDir,
		AuthFile:   filepath.Join(cacheDir, ".vaultmenu-auth"),
		AuthLock:   filepath.Join(stateDir, "auth.lock"),
		PIDFile:    filepath.Join(stateDir, "daemon.pid"),
		Logs:       filepath.Join(stateDir, "logs"),
	}
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	userHome, _ := os.UserHomeDir()
	return filepath.Join(userHome, fallback)
}

// ExpandPath expands ~ to the user home directory.
func ExpandPath(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) == 1 {
			return home
		}
		if path[1] == '/' || path[1] == os.PathSeparator {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// CanonicalPath expands ~ and resolves the path to an absolute, symlink-free
// form. Empty input stays empty.
func CanonicalPath(path string) string {
	if path == "" {
		return ""
	}
	path = ExpandPath(path)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	return path
}

// EnsureDirs creates the state and log directories with owner-only
// permissions.
func EnsureDirs(paths Paths) error {
	for _, dir := range []string{paths.StateDir, paths.Logs, filepath.Dir(paths.AuthFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}
