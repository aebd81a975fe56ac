// Package autotype types vault entries into the focused window through an
// external keystroke tool, or copies values to the clipboard.
package autotype

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/config"
	"github.com/vaultmenu/vaultmenu/internal/otp"
	"github.com/vaultmenu/vaultmenu/internal/procutil"
	"github.com/vaultmenu/vaultmenu/internal/vault"
)

// Performer types or copies entry values.
type Performer struct {
	backend   Backend
	clipboard string
	exec      execFunc
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// New returns a Performer for the autotype and clipboard settings in cfg.
func New(cfg *config.Config) (*Performer, error) {
	backend, err := NewBackend(cfg.Autotype.Library)
	if err != nil {
		return nil, err
	}
	clip := cfg.Clipboard.Command
	if clip == "" {
		clip = detectClipboard()
	}
	return &Performer{
		backend:   backend,
		clipboard: clip,
		exec:      runTool,
		sleep:     sleepContext,
		now:       time.Now,
	}, nil
}

func detectClipboard() string {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return "wl-copy -o"
	}
	if _, err := exec.LookPath("xsel"); err == nil {
		return "xsel -b"
	}
	return "xclip -l 1 -selection clip"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Effective picks the sequence for an entry: the entry's own sequence, then
// the command line override, then the database default, then the global
// default.
func Effective(entry vault.Entry, override, database, global string) string {
	for _, s := range []string{entry.Autotype, override, database, global} {
		if s != "" && s != "None" {
			return s
		}
	}
	return config.DefaultAutotype
}

// TypeEntry types entry according to sequence.
func (p *Performer) TypeEntry(ctx context.Context, entry vault.Entry, sequence string) error {
	tokens, err := Tokenize(sequence)
	if err != nil {
		return err
	}
	for _, tok := range tokens {
		if !tok.Special {
			if err := p.backend.Type(ctx, tok.Text); err != nil {
				return err
			}
			continue
		}
		if d, ok := parseDelay(tok.Text); ok {
			if err := p.sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		switch {
		case placeholders[tok.Text]:
			value, err := p.placeholder(entry, tok.Text)
			if err != nil {
				return err
			}
			if err := p.backend.Type(ctx, value); err != nil {
				return err
			}
		case literalTokens[tok.Text] != "":
			if err := p.backend.Type(ctx, literalTokens[tok.Text]); err != nil {
				return err
			}
		case tok.Text == "{SPACE}":
			if err := p.backend.Type(ctx, " "); err != nil {
				return err
			}
		case IsKey(tok.Text):
			if err := p.backend.Key(ctx, tok.Text); err != nil {
				return err
			}
		default:
			return fmt.Errorf("autotype: unsupported token %q (%s)", tok.Text, p.backend.Name())
		}
	}
	return nil
}

func (p *Performer) placeholder(entry vault.Entry, token string) (string, error) {
	switch token {
	case "{TITLE}":
		return entry.Title, nil
	case "{USERNAME}":
		return entry.Username, nil
	case "{URL}":
		return entry.URL, nil
	case "{PASSWORD}":
		return entry.Password, nil
	case "{NOTES}":
		return entry.Notes, nil
	case "{TOTP}":
		return p.TOTP(entry)
	}
	return "", nil
}

// TOTP returns the current one-time password for entry.
func (p *Performer) TOTP(entry vault.Entry) (string, error) {
	raw := entry.OTPURL()
	if raw == "" {
		return "", fmt.Errorf("autotype: %s has no OTP data", entry.Path())
	}
	return otp.Generate(raw, p.now())
}

func parseDelay(token string) (time.Duration, bool) {
	inner, ok := strings.CutPrefix(token, "{DELAY ")
	if !ok {
		return 0, false
	}
	ms, err := strconv.Atoi(strings.TrimSuffix(inner, "}"))
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// TypeText types text literally.
func (p *Performer) TypeText(ctx context.Context, text string) error {
	return p.backend.Type(ctx, text)
}

// Copy places text on the clipboard.
func (p *Performer) Copy(ctx context.Context, text string) error {
	argv, err := procutil.SplitCommand(p.clipboard)
	if err != nil {
		return fmt.Errorf("autotype: clipboard command: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("autotype: no clipboard command configured")
	}
	if err := p.exec(ctx, argv, text); err != nil {
		log.Printf("[Autotype] clipboard copy via %s failed: %v", argv[0], err)
		return err
	}
	return nil
}
