package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetPathsHonoursHomeOverride(t *testing.T) {
	root := t.TempDir()
	t.Setenv(HomeEnv, root)

	paths := GetPaths()

	if paths.ConfigFile != filepath.Join(root, "config", "config.yaml") {
		t.Errorf("ConfigFile = %s", paths.ConfigFile)
	}
	if paths.AuthFile != filepath.Join(root, "cache", ".vaultmenu-auth") {
		t.Errorf("AuthFile = %s", paths.AuthFile)
	}
	if !strings.HasPrefix(paths.PIDFile, filepath.Join(root, "cache", "vaultmenu")) {
		t.Errorf("PIDFile = %s", paths.PIDFile)
	}
}

func TestGetPathsUsesXDG(t *testing.T) {
	t.Setenv(HomeEnv, "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	t.Setenv("XDG_CACHE_HOME", "/xdg/cache")

	paths := GetPaths()

	if paths.ConfigFile != "/xdg/config/vaultmenu/config.yaml" {
		t.Errorf("ConfigFile = %s", paths.ConfigFile)
	}
	if paths.AuthFile != "/xdg/cache/.vaultmenu-auth" {
		t.Errorf("AuthFile = %s", paths.AuthFile)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"~", home},
		{"~/vaults/main.db", filepath.Join(home, "vaults/main.db")},
		{"/abs/path", "/abs/path"},
		{"~other/x", "~other/x"},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnsureDirsCreatesOwnerOnly(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	paths := GetPaths()

	if err := EnsureDirs(paths); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	info, err := os.Stat(paths.StateDir)
	if err != nil {
		t.Fatalf("stat state dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("state dir perm = %o; want 700", perm)
	}
}
