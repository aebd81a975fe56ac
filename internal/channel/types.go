package channel

import (
	"fmt"
	"strings"
)

// ErrorPrefix marks a ShowResult that carries an error message instead of a
// secret.
const ErrorPrefix = "ERROR: "

// ArgBundle carries the options of one client invocation into the daemon's
// next cycle.
type ArgBundle struct {
	Database  string `cbor:"database,omitempty"`
	Keyfile   string `cbor:"keyfile,omitempty"`
	Autotype  string `cbor:"autotype,omitempty"`
	Clipboard bool   `cbor:"clipboard,omitempty"`
	Show      string `cbor:"show,omitempty"`
	NoPrompt  bool   `cbor:"no_prompt,omitempty"`
	Password  string `cbor:"password,omitempty"`
	TOTP      bool   `cbor:"totp,omitempty"`
	Kill      bool   `cbor:"kill,omitempty"`
}

// Empty reports whether no option was supplied.
func (b ArgBundle) Empty() bool {
	return b == ArgBundle{}
}

// String describes the bundle without the password.
func (b ArgBundle) String() string {
	var parts []string
	if b.Database != "" {
		parts = append(parts, "database="+b.Database)
	}
	if b.Keyfile != "" {
		parts = append(parts, "keyfile="+b.Keyfile)
	}
	if b.Autotype != "" {
		parts = append(parts, fmt.Sprintf("autotype=%q", b.Autotype))
	}
	if b.Clipboard {
		parts = append(parts, "clipboard")
	}
	if b.Show != "" {
		parts = append(parts, fmt.Sprintf("show=%q", b.Show))
	}
	if b.NoPrompt {
		parts = append(parts, "no-prompt")
	}
	if b.Password != "" {
		parts = append(parts, "password=***")
	}
	if b.TOTP {
		parts = append(parts, "totp")
	}
	if b.Kill {
		parts = append(parts, "kill")
	}
	return "args{" + strings.Join(parts, " ") + "}"
}

// ShowResult is the reply to a show query: a secret, or an error message
// tagged with ErrorPrefix.
type ShowResult struct {
	Text string `cbor:"text"`
}

// Secret wraps a plain secret.
func Secret(s string) ShowResult {
	return ShowResult{Text: s}
}

// Failure wraps an error message.
func Failure(msg string) ShowResult {
	return ShowResult{Text: ErrorPrefix + msg}
}

// IsError reports whether the result carries an error message.
func (r ShowResult) IsError() bool {
	return strings.HasPrefix(r.Text, ErrorPrefix)
}

// Message returns the secret, or the error message without its prefix.
func (r ShowResult) Message() string {
	return strings.TrimPrefix(r.Text, ErrorPrefix)
}
