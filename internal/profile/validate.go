package profile

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidName wraps every profile name rejection.
var ErrInvalidName = errors.New("invalid profile name")

// Profile names become directory names under profiles/ and are passed on the
// command line, so they must not start with a dash.
var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// maxSocketPath is the smallest sun_path limit among supported platforms.
const maxSocketPath = 104

// ValidateName reports whether name can select a profile directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: use 1-64 lowercase letters, digits, '-' or '_', starting with a letter or digit", ErrInvalidName, name)
	}
	return nil
}

// CheckSocketPath fails when the daemon socket for name would not fit in a
// unix socket address under the current base directory.
func CheckSocketPath(name string) error {
	if p := SocketPath(name); len(p) >= maxSocketPath {
		return fmt.Errorf("daemon socket path %s is %d bytes, limit is %d; set SWOON_HOME to a shorter directory", p, len(p), maxSocketPath-1)
	}
	return nil
}
