// Package sanitize cleans entry text before it is written to the menu
// launcher, whose protocol is one item per line.
package sanitize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxLineRunes bounds a single menu line.
const MaxLineRunes = 512

// MenuLine returns s as a single printable line: escape sequences and
// control characters are removed, line breaks and tabs become spaces and
// the result is limited to MaxLineRunes.
func MenuLine(s string) string {
	s = StripControlChars(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		return r
	}, s)
	return TrimToRunes(s, MaxLineRunes)
}

// StripControlChars removes ANSI escape sequences and non-printable control
// characters (except newline and tab) from s.
func StripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		// CSI: ESC [ ... final byte (0x40-0x7E), scan capped at 64 bytes.
		if i+1 < len(s) && s[i] == '\x1b' && s[i+1] == '[' {
			j := i + 2
			maxJ := min(j+64, len(s))
			for j < maxJ && (s[j] < 0x40 || s[j] > 0x7E) {
				j++
			}
			if j < len(s) && s[j] >= 0x40 && s[j] <= 0x7E {
				j++
			}
			i = j
			continue
		}
		// OSC: ESC ] ... BEL or ESC \
		if i+1 < len(s) && s[i] == '\x1b' && s[i+1] == ']' {
			j := i + 2
			for j < len(s) {
				if s[j] == '\x07' {
					j++
					break
				}
				if j+1 < len(s) && s[j] == '\x1b' && s[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j
			continue
		}
		if s[i] == '\x1b' {
			i = min(i+2, len(s))
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == '\n' || r == '\t' || (r >= ' ' && !unicode.IsControl(r)) {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	return b.String()
}

// TrimToRunes trims surrounding whitespace and limits result to maxRunes.
func TrimToRunes(value string, maxRunes int) string {
	value = strings.TrimSpace(value)
	if value == "" || maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(value) <= maxRunes {
		return value
	}
	return string([]rune(value)[:maxRunes])
}
