// Package shell resolves which shell binary a sandboxed program should run
// under when no explicit program vector is given.
package shell

import (
	"fmt"
	"os"
)

// None is the sentinel returned when shell resolution is explicitly
// disabled (--shell=none).
const None = ""

// preference is tried, in order, when $SHELL is unusable.
var preference = []string{"/bin/bash", "/bin/csh", "/usr/bin/zsh", "/bin/sh", "/bin/ash"}

// Resolve returns the shell to use. If disabled is true it returns None,
// nil unconditionally. Otherwise it prefers $SHELL when the real (not
// effective) user can read it, falling back to the fixed preference list.
func Resolve(disabled bool, getenv func(string) string, access func(string) bool) (string, error) {
	if disabled {
		return None, nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if access == nil {
		access = readable
	}

	if sh := getenv("SHELL"); sh != "" && access(sh) {
		return sh, nil
	}
	for _, sh := range preference {
		if access(sh) {
			return sh, nil
		}
	}
	return "", fmt.Errorf("shell: no usable shell found in $SHELL or %v", preference)
}

func readable(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
