// Package otp computes HOTP and TOTP codes from otpauth URLs and the custom
// entry fields used by KeePass-family tools.
package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDigits = 6
	DefaultPeriod = 30 * time.Second

	steamAlphabet = "23456789BCDFGHJKMNPQRTVWXY"

	// SecretAlphabet lists the characters accepted in a base32 secret.
	SecretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

// ErrNoSecret is returned when the input carries no OTP secret.
var ErrNoSecret = errors.New("otp: no secret")

// Params describes how to derive a time-based code.
type Params struct {
	Secret    []byte
	Period    time.Duration
	Digits    int
	Algorithm string
	Steam     bool
}

// ParseURL parses an otpauth:// URL or a bare query string. Both the
// otpauth parameter names (secret, period, digits, algorithm, encoder) and
// the KeeOtp names (key, step, size, otpHashMode) are accepted.
func ParseURL(raw string) (Params, error) {
	raw = strings.TrimSpace(raw)
	query := raw
	if u, err := url.Parse(raw); err == nil && u.Scheme == "otpauth" {
		query = u.RawQuery
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return Params{}, fmt.Errorf("otp: parse %q: %w", redact(raw), err)
	}

	p := Params{Period: DefaultPeriod, Digits: DefaultDigits, Algorithm: "sha1"}
	var secret string
	switch {
	case values.Has("secret"):
		secret = values.Get("secret")
		if err := setInt(values, "period", func(n int) { p.Period = time.Duration(n) * time.Second }); err != nil {
			return Params{}, err
		}
		if err := setInt(values, "digits", func(n int) { p.Digits = n }); err != nil {
			return Params{}, err
		}
		if v := values.Get("algorithm"); v != "" {
			p.Algorithm = strings.ToLower(v)
		}
		p.Steam = values.Get("encoder") == "steam"
	case values.Has("key"):
		secret = values.Get("key")
		if err := setInt(values, "step", func(n int) { p.Period = time.Duration(n) * time.Second }); err != nil {
			return Params{}, err
		}
		if err := setInt(values, "size", func(n int) { p.Digits = n }); err != nil {
			return Params{}, err
		}
		if v := values.Get("otpHashMode"); v != "" {
			p.Algorithm = strings.ToLower(v)
		}
	default:
		return Params{}, ErrNoSecret
	}

	key, err := DecodeSecret(secret)
	if err != nil {
		return Params{}, err
	}
	p.Secret = key
	if p.Period <= 0 {
		return Params{}, fmt.Errorf("otp: period must be positive")
	}
	if p.Digits <= 0 || p.Digits > 10 {
		return Params{}, fmt.Errorf("otp: unsupported digit count %d", p.Digits)
	}
	if _, err := hasher(p.Algorithm); err != nil {
		return Params{}, err
	}
	return p, nil
}

func setInt(values url.Values, name string, set func(int)) error {
	v := values.Get(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("otp: %s: %w", name, err)
	}
	set(n)
	return nil
}

// DecodeSecret decodes an unpadded, case-insensitive base32 secret.
func DecodeSecret(secret string) ([]byte, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(secret), " ", ""))
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, ErrNoSecret
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("otp: decode secret: %w", err)
	}
	return key, nil
}

func hasher(alg string) (func() hash.Hash, error) {
	switch strings.ToLower(alg) {
	case "", "sha1", "hmac-sha-1":
		return sha1.New, nil
	case "sha256", "hmac-sha-256":
		return sha256.New, nil
	case "sha512", "hmac-sha-512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("otp: unsupported algorithm %q", alg)
	}
}

// HOTP computes the RFC 4226 code for counter.
func HOTP(key []byte, counter uint64, digits int, alg string, steam bool) (string, error) {
	newHash, err := hasher(alg)
	if err != nil {
		return "", err
	}
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(newHash, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	if steam {
		out := make([]byte, digits)
		n := uint32(len(steamAlphabet))
		for i := range out {
			out[i] = steamAlphabet[code%n]
			code /= n
		}
		return string(out), nil
	}

	s := strconv.FormatUint(uint64(code), 10)
	if len(s) > digits {
		s = s[len(s)-digits:]
	}
	return strings.Repeat("0", digits-len(s)) + s, nil
}

// Code returns the TOTP code valid at t.
func (p Params) Code(t time.Time) (string, error) {
	counter := uint64(t.Unix()) / uint64(p.Period/time.Second)
	return HOTP(p.Secret, counter, p.Digits, p.Algorithm, p.Steam)
}

// Generate parses raw and returns the code valid at now.
func Generate(raw string, now time.Time) (string, error) {
	p, err := ParseURL(raw)
	if err != nil {
		return "", err
	}
	return p.Code(now)
}

// Base32 returns the secret as unpadded base32.
func (p Params) Base32() string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(p.Secret)
}

// URL renders p as an otpauth URL for label. The algorithm is omitted for
// sha1 and Steam tokens carry encoder=steam.
func (p Params) URL(label string) string {
	v := url.Values{}
	v.Set("secret", p.Base32())
	v.Set("period", strconv.Itoa(int(p.Period/time.Second)))
	v.Set("digits", strconv.Itoa(p.Digits))
	v.Set("issuer", label)
	if alg := strings.ToLower(p.Algorithm); alg != "" && alg != "sha1" {
		v.Set("algorithm", alg)
	}
	if p.Steam {
		v.Set("encoder", "steam")
	}
	u := url.URL{Scheme: "otpauth", Host: "totp", Path: "/" + label, RawQuery: v.Encode()}
	return u.String()
}

// URLFromFields derives an otpauth URL from an entry's custom fields. It
// returns "" when the entry has no OTP data.
func URLFromFields(fields map[string]string) string {
	if u := fields["otp"]; u != "" {
		return u
	}

	const format = "otpauth://totp/Entry?secret=%s&period=%s&digits=%s&algorithm=%s"
	period, digits := "30", "6"

	if seed := fields["TOTP Seed"]; seed != "" {
		if settings := strings.Split(fields["TOTP Settings"], ";"); len(settings) == 2 {
			period, digits = settings[0], settings[1]
		}
		return fmt.Sprintf(format, url.QueryEscape(seed), period, digits, "sha1")
	}

	if seed := fields["TimeOtp-Secret-Base32"]; seed != "" {
		if v := fields["TimeOtp-Period"]; v != "" {
			period = v
		}
		if v := fields["TimeOtp-Length"]; v != "" {
			digits = v
		}
		alg := "sha1"
		switch strings.ToLower(fields["TimeOtp-Algorithm"]) {
		case "hmac-sha-256":
			alg = "sha256"
		case "hmac-sha-512":
			alg = "sha512"
		}
		return fmt.Sprintf(format, url.QueryEscape(seed), period, digits, alg)
	}
	return ""
}

// IsField reports whether name is one of the custom fields that carry OTP
// configuration. Such fields are hidden from generic field listings.
func IsField(name string) bool {
	switch name {
	case "otp", "TOTP Seed", "TOTP Settings",
		"TimeOtp-Length", "TimeOtp-Period", "TimeOtp-Algorithm",
		"TimeOtp-Secret", "TimeOtp-Secret-Hex", "TimeOtp-Secret-Base32", "TimeOtp-Secret-Base64",
		"HmacOtp-Secret", "HmacOtp-Secret-Hex", "HmacOtp-Secret-Base32", "HmacOtp-Secret-Base64",
		"HmacOtp-Counter":
		return true
	}
	return false
}

func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?…"
	}
	return "…"
}
