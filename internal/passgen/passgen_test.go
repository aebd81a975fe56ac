package passgen

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestGenerateUsesEverySet(t *testing.T) {
	sets := []string{Upper, Digits, "#"}
	for i := 0; i < 50; i++ {
		pw, err := Generate(sets, 3)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if utf8.RuneCountInString(pw) != 3 {
			t.Fatalf("len(%q) = %d; want 3", pw, utf8.RuneCountInString(pw))
		}
		for _, set := range sets {
			if !strings.ContainsAny(pw, set) {
				t.Fatalf("%q has no character from %q", pw, set)
			}
		}
	}
}

func TestGenerateOnlyUsesAlphabet(t *testing.T) {
	pw, err := Generate([]string{"ab", "", "é"}, 40)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if utf8.RuneCountInString(pw) != 40 {
		t.Fatalf("len = %d; want 40", utf8.RuneCountInString(pw))
	}
	if strings.Trim(pw, "abé") != "" {
		t.Fatalf("%q uses characters outside the sets", pw)
	}
}

func TestGenerateTooShort(t *testing.T) {
	if _, err := Generate([]string{Upper, Lower, Digits}, 2); !errors.Is(err, ErrTooShort) {
		t.Fatalf("err = %v; want ErrTooShort", err)
	}
	if _, err := Generate(nil, 10); err == nil {
		t.Fatal("expected error for empty alphabet")
	}
}

func TestDefaultPresets(t *testing.T) {
	c, err := NewCatalog(nil, nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	want := []string{"Letters+Digits+Punctuation", "Letters+Digits", "Letters", "Digits"}
	if got := c.PresetNames(); !reflect.DeepEqual(got, want) {
		t.Fatalf("presets = %v; want %v", got, want)
	}

	pw, err := c.Generate([]string{"Digits"}, 12)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Trim(pw, Digits) != "" || len(pw) != 12 {
		t.Fatalf("digits password = %q", pw)
	}
	if _, err := c.Generate([]string{"Nope"}, 12); err == nil {
		t.Fatal("expected unknown preset error")
	}
}

func TestExtraSetsBecomePresets(t *testing.T) {
	c, err := NewCatalog(map[string]string{"punc min": "!@#$%"}, nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	names := c.PresetNames()
	if names[len(names)-1] != "Punc Min" {
		t.Fatalf("presets = %v; want Punc Min last", names)
	}
	pw, err := c.Generate([]string{"Punc Min", "Digits"}, 8)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !strings.ContainsAny(pw, "!@#$%") || !strings.ContainsAny(pw, Digits) {
		t.Fatalf("%q is missing a set", pw)
	}
	if strings.Trim(pw, "!@#$%"+Digits) != "" {
		t.Fatalf("%q uses characters outside the presets", pw)
	}
}

func TestPresetOverrides(t *testing.T) {
	c, err := NewCatalog(
		map[string]string{"punc min": "!@#$%"},
		map[string][]string{
			"minimal punc": {"upper", "lower", "digits", "punc min"},
			"broken":       {"upper", "missing"},
		},
	)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("err = %v; want unknown set reported", err)
	}
	if got := c.PresetNames(); !reflect.DeepEqual(got, []string{"Minimal Punc"}) {
		t.Fatalf("presets = %v; want only Minimal Punc", got)
	}
	pw, err := c.Generate([]string{"Minimal Punc"}, 4)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	for _, set := range []string{Upper, Lower, Digits, "!@#$%"} {
		if !strings.ContainsAny(pw, set) {
			t.Fatalf("%q has no character from %q", pw, set)
		}
	}
}
