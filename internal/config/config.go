package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCachePeriodMin  = 360
	DefaultShowTimeoutSec  = 30
	DefaultAutotype        = "{USERNAME}{TAB}{PASSWORD}{ENTER}"
	DefaultMenuCommand     = "dmenu"
	DefaultObscureColor    = "#222222"
	DefaultTypeLibrary     = "xdotool"
	DefaultMaxMenuLines    = 24
	defaultConfigFileMode  = 0o600
	defaultConfigDirectory = 0o700
)

// Config is the user configuration. A value is immutable once loaded;
// reloading produces a new value.
//
// PasswordChars adds or overrides named character sets for generated
// passwords. PasswordPresets replaces the preset menu with named lists of
// set names.
type Config struct {
	Menu            MenuConfig          `yaml:"menu"`
	Autotype        AutotypeConfig      `yaml:"autotype"`
	Clipboard       ClipboardConfig     `yaml:"clipboard"`
	CachePeriodMin  int                 `yaml:"cache_period_min"`
	ShowTimeoutSec  int                 `yaml:"show_timeout_sec"`
	HideGroups      []string            `yaml:"hide_groups,omitempty"`
	Editor          EditorConfig        `yaml:"editor,omitempty"`
	PasswordChars   map[string]string   `yaml:"password_chars,omitempty"`
	PasswordPresets map[string][]string `yaml:"password_char_presets,omitempty"`
	Databases       []DatabaseConfig    `yaml:"databases"`

	path string
}

// MenuConfig describes the external dmenu-compatible launcher.
type MenuConfig struct {
	Command      string `yaml:"command"`
	Obscure      *bool  `yaml:"obscure,omitempty"`
	ObscureColor string `yaml:"obscure_color,omitempty"`
	// TitlePath is true/false or a maximum prompt length.
	TitlePath any    `yaml:"title_path,omitempty"`
	Pinentry  string `yaml:"pinentry,omitempty"`
	MaxLines  int    `yaml:"max_lines,omitempty"`
}

type AutotypeConfig struct {
	Default string `yaml:"default"`
	Library string `yaml:"library"`
}

type ClipboardConfig struct {
	Command string `yaml:"command,omitempty"`
}

// EditorConfig selects the program used for multi-line fields. GUI runs
// directly. Otherwise Command (default $EDITOR, then vim) runs inside
// Terminal (default xterm).
type EditorConfig struct {
	GUI      string `yaml:"gui,omitempty"`
	Command  string `yaml:"command,omitempty"`
	Terminal string `yaml:"terminal,omitempty"`
}

// DatabaseConfig is one configured secrets database.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	Keyfile     string `yaml:"keyfile,omitempty"`
	Password    string `yaml:"password,omitempty"`
	PasswordCmd string `yaml:"password_cmd,omitempty"`
	Keyring     bool   `yaml:"keyring,omitempty"`
	Autotype    string `yaml:"autotype,omitempty"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	obscure := true
	return &Config{
		Menu: MenuConfig{
			Command:      DefaultMenuCommand,
			Obscure:      &obscure,
			ObscureColor: DefaultObscureColor,
		},
		Autotype: AutotypeConfig{
			Default: DefaultAutotype,
			Library: DefaultTypeLibrary,
		},
		CachePeriodMin: DefaultCachePeriodMin,
		ShowTimeoutSec: DefaultShowTimeoutSec,
	}
}

// Load reads the configuration file at path, creating it with defaults when
// it does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.path = path
		if err := cfg.Save(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.path = path
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Menu.Command == "" {
		c.Menu.Command = DefaultMenuCommand
	}
	if c.Menu.ObscureColor == "" {
		c.Menu.ObscureColor = DefaultObscureColor
	}
	if c.Autotype.Default == "" {
		c.Autotype.Default = DefaultAutotype
	}
	if c.Autotype.Library == "" {
		c.Autotype.Library = DefaultTypeLibrary
	}
	if c.CachePeriodMin <= 0 {
		c.CachePeriodMin = DefaultCachePeriodMin
	}
	if c.ShowTimeoutSec <= 0 {
		c.ShowTimeoutSec = DefaultShowTimeoutSec
	}
	for i := range c.Databases {
		c.Databases[i].Path = CanonicalPath(c.Databases[i].Path)
		c.Databases[i].Keyfile = CanonicalPath(c.Databases[i].Keyfile)
	}
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

// Save writes the configuration back to its file.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config: no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), defaultConfigDirectory); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := os.WriteFile(c.path, data, defaultConfigFileMode); err != nil {
		return fmt.Errorf("config: write %s: %w", c.path, err)
	}
	return nil
}

// WithDatabase returns a copy of c with db appended to the database list.
func (c *Config) WithDatabase(db DatabaseConfig) *Config {
	next := *c
	next.Databases = append(append([]DatabaseConfig(nil), c.Databases...), db)
	next.applyDefaults()
	return &next
}

// Database returns the configured entry for path, if any.
func (c *Config) Database(path string) (DatabaseConfig, bool) {
	path = CanonicalPath(path)
	for _, db := range c.Databases {
		if db.Path == path {
			return db, true
		}
	}
	return DatabaseConfig{}, false
}

// CachePeriod is the inactivity window after which the daemon retires.
func (c *Config) CachePeriod() time.Duration {
	return time.Duration(c.CachePeriodMin) * time.Minute
}

// ShowTimeout bounds how long a client waits for a show result.
func (c *Config) ShowTimeout() time.Duration {
	return time.Duration(c.ShowTimeoutSec) * time.Second
}

// ObscurePasswords reports whether password prompts should hide input.
func (c *Config) ObscurePasswords() bool {
	return c.Menu.Obscure == nil || *c.Menu.Obscure
}

// MaxMenuLines caps the number of lines shown by the menu.
func (c *Config) MaxMenuLines() int {
	if c.Menu.MaxLines > 0 {
		return c.Menu.MaxLines
	}
	return DefaultMaxMenuLines
}
