package autotype

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/vaultmenu/vaultmenu/internal/vault"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []Token
	}{
		{"{USERNAME}{TAB}{PASSWORD}{ENTER}", []Token{
			{"{USERNAME}", true}, {"{TAB}", true}, {"{PASSWORD}", true}, {"{ENTER}", true},
		}},
		{"user{TAB}pw~", []Token{
			{"user", false}, {"{TAB}", true}, {"pw", false}, {"~", true},
		}},
		{"a{}}b", []Token{{"a", false}, {"{}}", true}, {"b", false}}},
		{"{DELAY 250}x", []Token{{"{DELAY 250}", true}, {"x", false}}},
		{"^a", []Token{{"^", true}, {"a", false}}},
		{"plain", []Token{{"plain", false}}},
		{"", nil},
	}
	for _, tt := range tests {
		got, err := Tokenize(tt.in)
		if err != nil {
			t.Fatalf("Tokenize(%q): %v", tt.in, err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("Tokenize(%q) = %v; want %v", tt.in, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Tokenize(%q)[%d] = %v; want %v", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

func TestTokenizeUnmatchedBrace(t *testing.T) {
	if _, err := Tokenize("{USERNAME"); err == nil {
		t.Fatal("expected error for unmatched brace")
	}
}

type call struct {
	argv  string
	stdin string
}

func newTestPerformer(t *testing.T, library string) (*Performer, *[]call, *[]time.Duration) {
	t.Helper()
	var calls []call
	var slept []time.Duration
	rec := func(ctx context.Context, argv []string, stdin string) error {
		calls = append(calls, call{argv: strings.Join(argv, " "), stdin: stdin})
		return nil
	}
	return &Performer{
		backend:   &toolBackend{name: library, exec: rec},
		clipboard: "wl-copy -o",
		exec:      rec,
		sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
		now: func() time.Time { return time.Unix(59, 0) },
	}, &calls, &slept
}

var testEntry = vault.Entry{
	Title:    "github",
	Username: "octo",
	Password: "s3cret",
	// RFC 6238 SHA1 test key
	OTP: "otpauth://totp/x?secret=GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ&digits=8",
}

func TestTypeEntryXdotool(t *testing.T) {
	p, calls, slept := newTestPerformer(t, "xdotool")
	err := p.TypeEntry(context.Background(), testEntry, "{USERNAME}{TAB}{PASSWORD}{DELAY 100}{TOTP}{ENTER}")
	if err != nil {
		t.Fatalf("TypeEntry: %v", err)
	}
	want := []string{
		"xdotool type -- octo",
		"xdotool key Tab",
		"xdotool type -- s3cret",
		"xdotool type -- 94287082",
		"xdotool key Return",
	}
	if len(*calls) != len(want) {
		t.Fatalf("calls = %v", *calls)
	}
	for i, c := range *calls {
		if c.argv != want[i] {
			t.Errorf("call %d = %q; want %q", i, c.argv, want[i])
		}
	}
	if len(*slept) != 1 || (*slept)[0] != 100*time.Millisecond {
		t.Errorf("slept = %v", *slept)
	}
}

func TestTypeEntryBackends(t *testing.T) {
	tests := []struct {
		library string
		want    []call
	}{
		{"ydotool", []call{{"ydotool type -- octo", ""}, {"ydotool key TAB", ""}}},
		{"wtype", []call{{"wtype -- octo", ""}, {"wtype -k Tab", ""}}},
		{"dotool", []call{{"dotool", "type octo\n"}, {"dotool", "key tab\n"}}},
	}
	for _, tt := range tests {
		t.Run(tt.library, func(t *testing.T) {
			p, calls, _ := newTestPerformer(t, tt.library)
			if err := p.TypeEntry(context.Background(), testEntry, "{USERNAME}{TAB}"); err != nil {
				t.Fatalf("TypeEntry: %v", err)
			}
			if len(*calls) != len(tt.want) {
				t.Fatalf("calls = %v", *calls)
			}
			for i := range tt.want {
				if (*calls)[i] != tt.want[i] {
					t.Errorf("call %d = %+v; want %+v", i, (*calls)[i], tt.want[i])
				}
			}
		})
	}
}

func TestTypeEntryLiteralTokens(t *testing.T) {
	p, calls, _ := newTestPerformer(t, "xdotool")
	if err := p.TypeEntry(context.Background(), testEntry, "{PLUS}{SPACE}{}}"); err != nil {
		t.Fatal(err)
	}
	var typed []string
	for _, c := range *calls {
		typed = append(typed, strings.TrimPrefix(c.argv, "xdotool type -- "))
	}
	if strings.Join(typed, "") != "+ }" {
		t.Errorf("typed = %q", typed)
	}
}

func TestTypeEntryUnsupportedToken(t *testing.T) {
	p, _, _ := newTestPerformer(t, "xdotool")
	if err := p.TypeEntry(context.Background(), testEntry, "{BOGUS}"); err == nil {
		t.Fatal("expected error")
	}
}

func TestTOTPWithoutDataFails(t *testing.T) {
	p, _, _ := newTestPerformer(t, "xdotool")
	if _, err := p.TOTP(vault.Entry{Title: "plain"}); err == nil {
		t.Fatal("expected error for entry without OTP")
	}
}

func TestEffectiveSequence(t *testing.T) {
	entry := vault.Entry{}
	if got := Effective(entry, "", "", "{PASSWORD}"); got != "{PASSWORD}" {
		t.Errorf("global: %q", got)
	}
	if got := Effective(entry, "", "{USERNAME}", "{PASSWORD}"); got != "{USERNAME}" {
		t.Errorf("database: %q", got)
	}
	if got := Effective(entry, "{TAB}", "{USERNAME}", "{PASSWORD}"); got != "{TAB}" {
		t.Errorf("override: %q", got)
	}
	entry.Autotype = "{URL}"
	if got := Effective(entry, "{TAB}", "{USERNAME}", "{PASSWORD}"); got != "{URL}" {
		t.Errorf("entry: %q", got)
	}
}

func TestCopyPipesToClipboardCommand(t *testing.T) {
	p, calls, _ := newTestPerformer(t, "xdotool")
	if err := p.Copy(context.Background(), "s3cret"); err != nil {
		t.Fatal(err)
	}
	if len(*calls) != 1 || (*calls)[0].argv != "wl-copy -o" || (*calls)[0].stdin != "s3cret" {
		t.Errorf("calls = %+v", *calls)
	}
}

func TestNewBackendRejectsUnknown(t *testing.T) {
	if _, err := NewBackend("pynput"); err == nil {
		t.Fatal("expected error")
	}
}
