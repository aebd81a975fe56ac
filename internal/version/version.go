// Package version reports the build version, stamped at link time with
// -ldflags "-X github.com/vaultmenu/vaultmenu/internal/version.version=v1.2.3".
package version

import (
	"regexp"
	"strings"
)

var version = "dev"

// String returns the build version for the current binary.
func String() string {
	return version
}

// ForTesting overrides the version string and returns a cleanup function
// that restores the original value. Must not be called concurrently.
func ForTesting(v string) func() {
	original := version
	version = v
	return func() { version = original }
}

// gitDescribeSuffix matches the trailing "-N-gHASH" added by git describe.
var gitDescribeSuffix = regexp.MustCompile(`-\d+-g[0-9a-f]+$`)

// FormatVersion returns a display-friendly version string: a "v" prefix is
// ensured and a git-describe suffix is reduced to "+dev". Special values
// like "dev" and empty strings are returned as-is.
func FormatVersion(v string) string {
	if v == "" || v == "dev" {
		return v
	}
	if gitDescribeSuffix.MatchString(v) {
		v = gitDescribeSuffix.ReplaceAllString(v, "") + "+dev"
	}
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// Display returns the line printed by --version for program.
func Display(program string) string {
	return program + " " + FormatVersion(version)
}
