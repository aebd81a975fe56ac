package launcher

import (
	"context"
	"fmt"
	"os"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/menu"
	"golang.org/x/term"
)

// PromptPassword reads a password without echo from the controlling
// terminal. Without one (launched from a hotkey) the menu's password prompt
// is used instead.
func PromptPassword(ctx context.Context, cfg *config.Config, prompt string) (string, error) {
	if tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0); err == nil {
		defer tty.Close()
		if term.IsTerminal(int(tty.Fd())) {
			return ReadPassword(tty, prompt)
		}
	}
	return menu.New(cfg).Password(ctx, "Password")
}

// ReadPassword prints prompt to tty and reads one line with echo disabled.
func ReadPassword(tty *os.File, prompt string) (string, error) {
	fmt.Fprint(tty, prompt)
	pw, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}
