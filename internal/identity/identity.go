// Package identity brackets privileged operations between the real and
// effective uid of the launching process, raising the effective uid to
// root only for the duration of the operation that needs it.
package identity

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Identity names which user the current effective uid is expected to be.
type Identity int

const (
	User Identity = iota
	Root
)

func (id Identity) String() string {
	if id == Root {
		return "root"
	}
	return "user"
}

// Gate tracks nested AsRoot/AsUser brackets so inner calls whose identity
// is already satisfied by an outer bracket are no-ops.
type Gate struct {
	realUID  int
	realGID  int
	rootHold int
}

// New returns a Gate bound to the process's real uid/gid.
func New() *Gate {
	return &Gate{realUID: unix.Getuid(), realGID: unix.Getgid()}
}

// RealUID returns the real (not effective) uid the Gate was bound to.
func (g *Gate) RealUID() int { return g.realUID }

// RealGID returns the real (not effective) gid the Gate was bound to.
func (g *Gate) RealGID() int { return g.realGID }

// IsRoot reports whether the invoking user's real uid is 0, the question
// PolicyBuilder asks when deciding whether a root-only directive
// (--netfilter, --interface=, --netns=) is permitted.
func (g *Gate) IsRoot() bool { return g.realUID == 0 }

// AsRoot raises the effective uid/gid to 0 for the duration of fn, restoring
// the real identity afterward. If an enclosing AsRoot call already holds
// root, fn runs directly without re-raising.
func (g *Gate) AsRoot(fn func() error) error {
	if g.rootHold > 0 {
		g.rootHold++
		defer func() { g.rootHold-- }()
		return fn()
	}

	if err := unix.Setresgid(-1, 0, -1); err != nil {
		return fmt.Errorf("identity: raise egid: %w", err)
	}
	if err := unix.Setresuid(-1, 0, -1); err != nil {
		return fmt.Errorf("identity: raise euid: %w", err)
	}
	g.rootHold = 1
	defer func() {
		g.rootHold = 0
		_ = unix.Setresuid(-1, g.realUID, -1)
		_ = unix.Setresgid(-1, g.realGID, -1)
	}()

	return fn()
}

// AsUser runs fn with the effective uid/gid lowered back to the real user,
// for the duration of fn, regardless of any enclosing AsRoot bracket.
func (g *Gate) AsUser(fn func() error) error {
	euid := unix.Geteuid()
	egid := unix.Getegid()
	if euid == g.realUID && egid == g.realGID {
		return fn()
	}

	if err := unix.Setresuid(-1, g.realUID, -1); err != nil {
		return fmt.Errorf("identity: lower euid: %w", err)
	}
	if err := unix.Setresgid(-1, g.realGID, -1); err != nil {
		return fmt.Errorf("identity: lower egid: %w", err)
	}
	defer func() {
		_ = unix.Setresuid(-1, euid, -1)
		_ = unix.Setresgid(-1, egid, -1)
	}()

	return fn()
}

// Assert returns an error unless the current effective uid matches want.
func (g *Gate) Assert(want Identity) error {
	euid := unix.Geteuid()
	switch want {
	case Root:
		if euid != 0 {
			return fmt.Errorf("identity: expected root, effective uid is %d", euid)
		}
	case User:
		if euid != g.realUID {
			return fmt.Errorf("identity: expected real user %d, effective uid is %d", g.realUID, euid)
		}
	}
	return nil
}
