// Package udlenv resolves the handful of environment-driven knobs the
// loader accepts, the same way the teacher resolves its cache path in
// dependencies.go: check an explicit env var, fall back to a sane default.
package udlenv

import (
	"strings"

	"github.com/xyproto/env/v2"
)

// Verbose reports whether UDL_VERBOSE is set, gating the diagnostic
// fmt.Fprintf(os.Stderr, ...) calls scattered through the loader.
func Verbose() bool {
	return env.Bool("UDL_VERBOSE")
}

// StrictUndefined reports whether a relocation against a non-weak undefined
// symbol should abort the open instead of logging and writing zero. This is
// the Open Question from spec.md §9 turned into a runtime policy.
func StrictUndefined() bool {
	return env.Bool("UDL_STRICT_UNDEFINED")
}

// LibraryPath returns the ordered list of extra directories Open should
// search for a bare filename before trying the path literally, read from
// UDL_LIBRARY_PATH (colon-separated, same convention as LD_LIBRARY_PATH).
func LibraryPath() []string {
	raw := env.Str("UDL_LIBRARY_PATH")
	if raw == "" {
		return nil
	}
	var dirs []string
	for _, p := range strings.Split(raw, ":") {
		if p != "" {
			dirs = append(dirs, p)
		}
	}
	return dirs
}
