// Package passgen generates passwords from named character sets.
package passgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// DefaultLength is offered when asking for a password length.
const DefaultLength = 20

// ErrTooShort is returned when the requested length cannot hold one
// character from every chosen set.
var ErrTooShort = errors.New("passgen: number of character sets is more than the requested length")

// Built-in character sets.
const (
	Upper       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	Lower       = "abcdefghijklmnopqrstuvwxyz"
	Digits      = "0123456789"
	Punctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
)

// Preset is a named selection of character sets.
type Preset struct {
	Name string
	Sets []string
}

// Catalog holds the character sets and the presets offered to the user.
type Catalog struct {
	sets    map[string]string
	presets []Preset
}

// NewCatalog builds the catalog from the built-in sets plus extra sets and
// preset overrides from the configuration. Each extra set also becomes a
// single-set preset. A non-empty presets map replaces all presets; entries
// naming an unknown set are skipped and reported in the returned error.
func NewCatalog(extra map[string]string, presets map[string][]string) (*Catalog, error) {
	c := &Catalog{sets: map[string]string{
		"upper":       Upper,
		"lower":       Lower,
		"digits":      Digits,
		"punctuation": Punctuation,
	}}
	c.presets = []Preset{
		{Name: "Letters+Digits+Punctuation", Sets: []string{"upper", "lower", "digits", "punctuation"}},
		{Name: "Letters+Digits", Sets: []string{"upper", "lower", "digits"}},
		{Name: "Letters", Sets: []string{"upper", "lower"}},
		{Name: "Digits", Sets: []string{"digits"}},
	}
	title := cases.Title(language.Und)
	for _, name := range sortedKeys(extra) {
		if extra[name] == "" {
			continue
		}
		c.sets[name] = extra[name]
		c.presets = append(c.presets, Preset{Name: title.String(name), Sets: []string{name}})
	}
	if len(presets) == 0 {
		return c, nil
	}

	c.presets = nil
	var errs []error
	for _, name := range sortedKeys(presets) {
		p := Preset{Name: title.String(name)}
		for _, set := range presets[name] {
			if _, ok := c.sets[set]; !ok {
				errs = append(errs, fmt.Errorf("passgen: unknown character set %q in preset %s", set, name))
				p.Sets = nil
				break
			}
			p.Sets = append(p.Sets, set)
		}
		if len(p.Sets) > 0 {
			c.presets = append(c.presets, p)
		}
	}
	return c, errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PresetNames returns the preset names in menu order.
func (c *Catalog) PresetNames() []string {
	names := make([]string, len(c.presets))
	for i, p := range c.presets {
		names[i] = p.Name
	}
	return names
}

// Generate returns a password of length characters drawn from the sets of
// the named presets. Every distinct set contributes at least one character.
func (c *Catalog) Generate(presetNames []string, length int) (string, error) {
	var sets []string
	seen := make(map[string]bool)
	for _, name := range presetNames {
		p, ok := c.preset(name)
		if !ok {
			return "", fmt.Errorf("passgen: unknown preset %q", name)
		}
		for _, set := range p.Sets {
			chars := c.sets[set]
			if !seen[chars] {
				seen[chars] = true
				sets = append(sets, chars)
			}
		}
	}
	return Generate(sets, length)
}

func (c *Catalog) preset(name string) (Preset, bool) {
	for _, p := range c.presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}

// Generate returns a random password of length characters with at least one
// character from each non-empty set.
func Generate(sets []string, length int) (string, error) {
	sets = nonEmpty(sets)
	var alphabet []rune
	seen := make(map[rune]bool)
	for _, set := range sets {
		for _, r := range set {
			if !seen[r] {
				seen[r] = true
				alphabet = append(alphabet, r)
			}
		}
	}
	if len(alphabet) == 0 {
		return "", errors.New("passgen: no characters to choose from")
	}
	if length < len(sets) {
		return "", ErrTooShort
	}

	out := make([]rune, 0, length)
	for _, set := range sets {
		r, err := pick([]rune(set))
		if err != nil {
			return "", err
		}
		out = append(out, r)
	}
	for len(out) < length {
		r, err := pick(alphabet)
		if err != nil {
			return "", err
		}
		out = append(out, r)
	}
	for i := len(out) - 1; i > 0; i-- {
		j, err := randIndex(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}
	return string(out), nil
}

func nonEmpty(sets []string) []string {
	out := sets[:0:0]
	for _, s := range sets {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func pick(runes []rune) (rune, error) {
	i, err := randIndex(len(runes))
	if err != nil {
		return 0, err
	}
	return runes[i], nil
}

func randIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("passgen: random: %w", err)
	}
	return int(v.Int64()), nil
}
