// Package editor edits multi-line text in an external editor program.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/procutil"
)

const (
	defaultEditor   = "vim"
	defaultTerminal = "xterm"
)

// ErrNotFound is returned when the editor or terminal program is missing.
var ErrNotFound = errors.New("editor: terminal or editor not found, please update the config file")

// Editor runs the configured editor on a temporary file.
type Editor struct {
	cfg config.EditorConfig
	env func(string) string
}

// New returns an Editor for the settings in cfg.
func New(cfg *config.Config) *Editor {
	return &Editor{cfg: cfg.Editor, env: os.Getenv}
}

// Args returns the argv that edits file. A GUI editor runs directly; a
// terminal editor runs as `<terminal> -e <editor> file`.
func (e *Editor) Args(file string) ([]string, error) {
	if e.cfg.GUI != "" {
		argv, err := procutil.SplitCommand(e.cfg.GUI)
		if err != nil {
			return nil, fmt.Errorf("editor: gui: %w", err)
		}
		if len(argv) > 0 {
			return append(argv, file), nil
		}
	}

	command := e.cfg.Command
	if command == "" {
		command = e.env("EDITOR")
	}
	if command == "" {
		command = defaultEditor
	}
	editor, err := procutil.SplitCommand(command)
	if err != nil {
		return nil, fmt.Errorf("editor: command: %w", err)
	}
	terminal := e.cfg.Terminal
	if terminal == "" {
		terminal = defaultTerminal
	}
	term, err := procutil.SplitCommand(terminal)
	if err != nil {
		return nil, fmt.Errorf("editor: terminal: %w", err)
	}
	argv := append(term, "-e")
	argv = append(argv, editor...)
	return append(argv, file), nil
}

// Edit writes text to a private temporary file, waits for the editor to
// exit and returns the file's trimmed contents.
func (e *Editor) Edit(ctx context.Context, text string) (string, error) {
	f, err := os.CreateTemp("", "vaultmenu-*.tmp")
	if err != nil {
		return text, fmt.Errorf("editor: temp file: %w", err)
	}
	name := f.Name()
	defer func() {
		if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[Editor] remove %s: %v", name, err)
		}
	}()
	if _, err := f.WriteString(text); err != nil {
		f.Close()
		return text, fmt.Errorf("editor: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return text, fmt.Errorf("editor: write temp file: %w", err)
	}

	argv, err := e.Args(name)
	if err != nil {
		return text, err
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return text, ErrNotFound
		}
		return text, fmt.Errorf("editor: run %s: %w", argv[0], err)
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return text, fmt.Errorf("editor: read temp file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
