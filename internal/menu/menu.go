// Package menu drives an external dmenu-compatible launcher: lines are written
// to its stdin and the chosen line is read from its stdout.
package menu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/procutil"
	"github.com/vaultmenu/vaultmenu/internal/sanitize"
)

// ErrCancelled is returned when the user dismisses the menu without
// choosing anything.
var ErrCancelled = errors.New("menu: nothing selected")

// Presenter shows a list of lines and returns the chosen one.
type Presenter interface {
	// Select presents lines under prompt. Free text typed by the user is
	// returned as is, so a nil lines slice turns the menu into an input box.
	Select(ctx context.Context, prompt string, lines []string) (string, error)
	// Password asks for a secret with obscured input.
	Password(ctx context.Context, prompt string) (string, error)
	// Error shows a message the user can only dismiss.
	Error(ctx context.Context, msg string)
}

// runner executes argv with stdin and returns stdout.
type runner func(ctx context.Context, argv []string, stdin string) (string, error)

// Command is a Presenter backed by the configured launcher command.
type Command struct {
	cfg      config.MenuConfig
	maxLines int
	obscure  bool
	run      runner

	patchOnce sync.Once
	patched   bool
}

// New returns a Command for the menu settings in cfg.
func New(cfg *config.Config) *Command {
	return &Command{
		cfg:      cfg.Menu,
		maxLines: cfg.MaxMenuLines(),
		obscure:  cfg.ObscurePasswords(),
		run:      runCommand,
	}
}

// passwordPrompts are the prompts that get obscured input.
var passwordPrompts = map[string]bool{
	"Password":        true,
	"password":        true,
	"Verify password": true,
	"Enter Password":  true,
}

// Args builds the launcher argv for a prompt showing numLines lines.
func (c *Command) Args(prompt string, numLines int) ([]string, error) {
	argv, err := procutil.SplitCommand(c.cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("menu: command: %w", err)
	}
	if len(argv) == 0 {
		argv = []string{config.DefaultMenuCommand}
	}
	lines := strconv.Itoa(numLines)
	name := filepath.Base(argv[0])

	switch name {
	case "dmenu", "bemenu", "wmenu":
		argv = append(argv, "-p", prompt, "-l", lines)
	case "rofi":
		argv = append(argv, "-dmenu", "-p", prompt, "-l", lines)
	case "tofi":
		argv = append(argv, "--require-match=false", "--prompt-text="+prompt+": ", "--num-results="+lines)
	case "wofi":
		argv = append(argv, "--dmenu", "-p", prompt, "-L", strconv.Itoa(numLines+1))
	case "yofi":
		argv = append(argv, "-p", prompt, "dialog")
	case "fuzzel":
		argv = append(argv, "-p", prompt+" ", "-l", lines)
	}

	if passwordPrompts[prompt] && c.obscure {
		argv = append(argv, c.obscureArgs(name)...)
	}
	return argv, nil
}

func (c *Command) obscureArgs(name string) []string {
	color := c.cfg.ObscureColor
	if color == "" {
		color = config.DefaultObscureColor
	}
	switch name {
	case "dmenu":
		if c.hasPasswordPatch(name) {
			return []string{"-P"}
		}
		return []string{"-nb", color, "-nf", color}
	case "wmenu":
		if c.hasPasswordPatch(name) {
			return []string{"-P"}
		}
		return []string{"-n", color, "-N", color}
	case "rofi":
		return []string{"-password"}
	case "bemenu":
		return []string{"-x", "indicator", "*"}
	case "tofi":
		return []string{"--hide-input=true", "--hidden-character=*"}
	case "wofi":
		return []string{"-P"}
	case "yofi":
		return []string{"--password"}
	case "fuzzel":
		return []string{"--password"}
	}
	return nil
}

// hasPasswordPatch reports whether the installed dmenu/wmenu lists -P in its
// usage text. The answer is cached for the life of the Command.
func (c *Command) hasPasswordPatch(name string) bool {
	c.patchOnce.Do(func() {
		var stderr bytes.Buffer
		cmd := exec.Command(name, "-h")
		cmd.Stderr = &stderr
		_ = cmd.Run()
		c.patched = bytes.Contains(stderr.Bytes(), []byte("P"))
	})
	return c.patched
}

// Select implements Presenter.
func (c *Command) Select(ctx context.Context, prompt string, lines []string) (string, error) {
	n := len(lines)
	if n > c.maxLines {
		n = c.maxLines
	}
	argv, err := c.Args(prompt, n)
	if err != nil {
		return "", err
	}
	shown := make([]string, len(lines))
	var input strings.Builder
	for i, l := range lines {
		shown[i] = sanitize.MenuLine(l)
		input.WriteString(shown[i])
		input.WriteByte('\n')
	}
	out, err := c.run(ctx, argv, input.String())
	if err != nil {
		return "", err
	}
	out = strings.TrimRight(out, "\n")
	if out == "" {
		return "", ErrCancelled
	}
	// hand back the caller's line when a cleaned one was picked
	for i, l := range shown {
		if l == out {
			return lines[i], nil
		}
	}
	return out, nil
}

// Password implements Presenter. A configured pinentry program takes
// precedence over the launcher.
func (c *Command) Password(ctx context.Context, prompt string) (string, error) {
	if c.cfg.Pinentry != "" {
		return c.pinentry(ctx, prompt)
	}
	return c.Select(ctx, "Password", nil)
}

// Error implements Presenter.
func (c *Command) Error(ctx context.Context, msg string) {
	_, _ = c.Select(ctx, msg, nil)
}

// pinentry speaks the Assuan subset needed to read one PIN.
func (c *Command) pinentry(ctx context.Context, prompt string) (string, error) {
	argv, err := procutil.SplitCommand(c.cfg.Pinentry)
	if err != nil || len(argv) == 0 {
		return "", fmt.Errorf("menu: pinentry command %q: %v", c.cfg.Pinentry, err)
	}
	desc := "Enter database password"
	if prompt != "" && prompt != "Password" {
		desc = prompt
	}
	out, err := c.run(ctx, argv, "SETDESC "+desc+"\nGETPIN\nBYE\n")
	if err != nil {
		return "", err
	}
	return parsePinentry(out)
}

func parsePinentry(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "D "):
			return unescapeAssuan(strings.TrimPrefix(line, "D ")), nil
		case strings.HasPrefix(line, "ERR "):
			return "", ErrCancelled
		}
	}
	return "", ErrCancelled
}

// unescapeAssuan decodes %XX escapes in an Assuan data line.
func unescapeAssuan(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func runCommand(ctx context.Context, argv []string, stdin string) (string, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Launchers exit non-zero when dismissed with Escape.
			return "", nil
		}
		return "", fmt.Errorf("menu: run %s: %w", argv[0], err)
	}
	return stdout.String(), nil
}
