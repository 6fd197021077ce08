// Package gateway spawns the external helper binaries the sandbox
// construction protocol depends on: the seccomp filter builder, the
// network interface worker, and the post-start monitor. Each is an
// opaque binary invoked with a fixed identity profile; their internals
// are out of scope here.
package gateway

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/boxjail/boxjail/internal/identity"
	"github.com/vishvananda/netlink"
)

// Identity describes the credential and privilege posture a helper is
// spawned under: whether it runs as the real user or root, whether its
// own syscalls are seccomp-filtered, whether it retains any capabilities,
// and whether it may read from the launcher's stdin.
type Identity struct {
	AsRoot     bool
	SeccompOn  bool
	CapsNone   bool
	AllowStdin bool
}

// Common identity profiles used by the construction protocol.
var (
	FilterBuilder = Identity{AsRoot: false, SeccompOn: false, CapsNone: true, AllowStdin: false}
	NetworkWorker = Identity{AsRoot: true, SeccompOn: false, CapsNone: false, AllowStdin: false}
	Monitor       = Identity{AsRoot: false, SeccompOn: true, CapsNone: true, AllowStdin: false}
)

// Spawn prepares (but does not start) a command for path/args under the
// given identity, asserting the process is currently running with the
// privilege the identity requires before handing back the *exec.Cmd for
// the caller to Start and wait on. Per the construction protocol, the
// requested identity is enforced after fork by setreuid/setregid in the
// child (cmd.SysProcAttr.Credential), not merely asserted in the parent:
// an AsRoot=false helper is handed the gate's real uid/gid explicitly so
// it drops privilege even when Spawn itself is called while euid is 0.
func Spawn(ctx context.Context, gate *identity.Gate, path string, args []string, id Identity) (*exec.Cmd, error) {
	want := identity.User
	if id.AsRoot {
		want = identity.Root
	}
	if err := gate.Assert(want); err != nil {
		return nil, fmt.Errorf("gateway: spawn %s: %w", path, err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	if !id.AsRoot {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: uint32(gate.RealUID()),
			Gid: uint32(gate.RealGID()),
		}
	}
	if id.CapsNone {
		// With Credential already dropping to the real uid above, the
		// ambient set is empty as soon as the child execs a non-setuid
		// binary; AmbientCaps has nothing left to clear for these helpers.
		cmd.SysProcAttr.AmbientCaps = nil
	}
	if id.AllowStdin {
		cmd.Stdin = os.Stdin
	}

	return cmd, nil
}

// ValidateBridge confirms name resolves to an existing host link and that
// it is actually a bridge, before the network worker is ever spawned to
// attach a veth pair to it. Failing fast here avoids handing the worker a
// nonexistent or wrong-kind interface and having it fail deep into the
// construction protocol instead.
func ValidateBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("gateway: bridge %q: %w", name, err)
	}
	if _, ok := link.(*netlink.Bridge); !ok {
		return fmt.Errorf("gateway: %q is a %s, not a bridge", name, link.Type())
	}
	return nil
}
