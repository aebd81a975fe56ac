package autotype

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Backend emits keystrokes.
type Backend interface {
	Name() string
	// Type enters text literally.
	Type(ctx context.Context, text string) error
	// Key taps a named key. The name is one of the keys in keyNames.
	Key(ctx context.Context, token string) error
}

// keyName holds the per-tool spelling of a key: xkb keysym (xdotool, wtype)
// and the evdev style name used by ydotool.
type keyName struct {
	xkb   string
	evdev string
}

var keyNames = map[string]keyName{
	"{TAB}":        {"Tab", "TAB"},
	"{ENTER}":      {"Return", "ENTER"},
	"~":            {"Return", "ENTER"},
	"{UP}":         {"Up", "UP"},
	"{DOWN}":       {"Down", "DOWN"},
	"{LEFT}":       {"Left", "LEFT"},
	"{RIGHT}":      {"Right", "RIGHT"},
	"{INSERT}":     {"Insert", "INSERT"},
	"{INS}":        {"Insert", "INSERT"},
	"{DELETE}":     {"Delete", "DELETE"},
	"{DEL}":        {"Delete", "DELETE"},
	"{HOME}":       {"Home", "HOME"},
	"{END}":        {"End", "END"},
	"{PGUP}":       {"Page_Up", "PAGEUP"},
	"{PGDN}":       {"Page_Down", "PAGEDOWN"},
	"{BACKSPACE}":  {"BackSpace", "BACKSPACE"},
	"{BS}":         {"BackSpace", "BACKSPACE"},
	"{BKSP}":       {"BackSpace", "BACKSPACE"},
	"{BREAK}":      {"Break", "BREAK"},
	"{CAPSLOCK}":   {"Caps_Lock", "CAPSLOCK"},
	"{ESC}":        {"Escape", "ESC"},
	"{WIN}":        {"Super_L", "LEFTMETA"},
	"{LWIN}":       {"Super_L", "LEFTMETA"},
	"{RWIN}":       {"Super_R", "RIGHTMETA"},
	"{NUMLOCK}":    {"Num_Lock", "NUMLOCK"},
	"{SCROLLLOCK}": {"Scroll_Lock", "SCROLLLOCK"},
	"{ADD}":        {"KP_Add", "KPPLUS"},
	"{SUBTRACT}":   {"KP_Subtract", "KPMINUS"},
	"{MULTIPLY}":   {"KP_Multiply", "KPASTERISK"},
	"{DIVIDE}":     {"KP_Divide", "KPSLASH"},
	"+":            {"Shift_L", "LEFTSHIFT"},
	"^":            {"Control_L", "LEFTCTRL"},
	"%":            {"Alt_L", "LEFTALT"},
	"@":            {"Super_L", "LEFTMETA"},
}

func init() {
	for i := 1; i <= 16; i++ {
		f := fmt.Sprintf("F%d", i)
		keyNames["{"+f+"}"] = keyName{f, f}
	}
	for i := 0; i <= 9; i++ {
		keyNames[fmt.Sprintf("{NUMPAD%d}", i)] = keyName{fmt.Sprintf("KP_%d", i), fmt.Sprintf("KP%d", i)}
	}
}

// IsKey reports whether token names a key a backend can tap.
func IsKey(token string) bool {
	_, ok := keyNames[token]
	return ok
}

// execFunc runs argv with stdin.
type execFunc func(ctx context.Context, argv []string, stdin string) error

func runTool(ctx context.Context, argv []string, stdin string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("autotype: %s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// toolBackend drives one of the command line typing tools.
type toolBackend struct {
	name string
	exec execFunc
}

// NewBackend returns the backend for library, one of xdotool, ydotool,
// wtype or dotool.
func NewBackend(library string) (Backend, error) {
	switch library {
	case "xdotool", "ydotool", "wtype", "dotool":
		return &toolBackend{name: library, exec: runTool}, nil
	case "":
		return &toolBackend{name: "xdotool", exec: runTool}, nil
	}
	return nil, fmt.Errorf("autotype: unsupported library %q", library)
}

func (b *toolBackend) Name() string {
	return b.name
}

func (b *toolBackend) Type(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}
	switch b.name {
	case "wtype":
		return b.exec(ctx, []string{"wtype", "--", text}, "")
	case "dotool":
		return b.exec(ctx, []string{"dotool"}, "type "+text+"\n")
	default:
		return b.exec(ctx, []string{b.name, "type", "--", text}, "")
	}
}

func (b *toolBackend) Key(ctx context.Context, token string) error {
	k, ok := keyNames[token]
	if !ok {
		return fmt.Errorf("autotype: unsupported key %s (%s)", token, b.name)
	}
	switch b.name {
	case "ydotool":
		return b.exec(ctx, []string{"ydotool", "key", k.evdev}, "")
	case "wtype":
		return b.exec(ctx, []string{"wtype", "-k", k.xkb}, "")
	case "dotool":
		return b.exec(ctx, []string{"dotool"}, "key "+strings.ToLower(k.xkb)+"\n")
	default:
		return b.exec(ctx, []string{"xdotool", "key", k.xkb}, "")
	}
}
