package autotype

import (
	"fmt"
	"strings"
)

// Token is one element of an autotype sequence. Special tokens are either a
// braced placeholder such as {USERNAME} or one of the modifier characters
// + ^ % ~ @.
type Token struct {
	Text    string
	Special bool
}

const specialChars = "+^%~@"

// Tokenize splits sequence into literal and special tokens.
func Tokenize(sequence string) ([]Token, error) {
	var tokens []Token
	rest := sequence
	for rest != "" {
		open := strings.IndexAny(rest, "{"+specialChars)
		if open == -1 {
			tokens = append(tokens, Token{Text: rest})
			break
		}
		if open > 0 {
			tokens = append(tokens, Token{Text: rest[:open]})
		}
		if strings.IndexByte(specialChars, rest[open]) >= 0 {
			tokens = append(tokens, Token{Text: rest[open : open+1], Special: true})
			rest = rest[open+1:]
			continue
		}

		rest = rest[open:]
		// {}} is the escaped closing brace.
		if strings.HasPrefix(rest, "{}}") {
			tokens = append(tokens, Token{Text: "{}}", Special: true})
			rest = rest[3:]
			continue
		}
		end := strings.IndexByte(rest, '}')
		if end == -1 {
			return nil, fmt.Errorf("autotype: unmatched { in %q", rest)
		}
		tokens = append(tokens, Token{Text: rest[:end+1], Special: true})
		rest = rest[end+1:]
	}
	return tokens, nil
}

// literalTokens expand to fixed characters.
var literalTokens = map[string]string{
	"{PLUS}":       "+",
	"{PERCENT}":    "%",
	"{CARET}":      "^",
	"{TILDE}":      "~",
	"{LEFTPAREN}":  "(",
	"{RIGHTPAREN}": ")",
	"{LEFTBRACE}":  "{",
	"{RIGHTBRACE}": "}",
	"{AT}":         "@",
	"{+}":          "+",
	"{%}":          "%",
	"{^}":          "^",
	"{~}":          "~",
	"{(}":          "(",
	"{)}":          ")",
	"{[}":          "[",
	"{]}":          "]",
	"{{}":          "{",
	"{}}":          "}",
}

// placeholders are replaced with entry fields.
var placeholders = map[string]bool{
	"{TITLE}":    true,
	"{USERNAME}": true,
	"{URL}":      true,
	"{PASSWORD}": true,
	"{NOTES}":    true,
	"{TOTP}":     true,
}
