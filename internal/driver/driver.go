// Package driver implements the SandboxDriver construction protocol: it
// forks the sandboxed child, walks it through namespace creation and
// uid/gid mapping in lockstep using rendezvous pipes, applies resource
// limits and the environment, and finally releases it into execve. The
// protocol mirrors the parent/child handshake used throughout the
// reference sandbox re-exec wrapper this project is descended from, with
// the phase boundaries matched to each namespace the policy requests.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/boxjail/boxjail/internal/envstore"
	"github.com/boxjail/boxjail/internal/gateway"
	"github.com/boxjail/boxjail/internal/identity"
	"github.com/boxjail/boxjail/internal/policy"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// reexecSentinel is argv[0]'s companion env var: when present, this
// process is the freshly cloned child re-executing itself to run the
// namespace/mount/seccomp setup before calling execve on the real program.
const reexecSentinel = "BOXJAIL_REEXEC"

// policyEnvVar and envStoreEnvVar carry the frozen Policy and accumulated
// env directives across the re-exec, YAML-encoded, since the child must
// reconstruct both without re-parsing the original command line.
const (
	policyEnvVar   = "BOXJAIL_POLICY"
	envStoreEnvVar = "BOXJAIL_ENVSTORE"
)

// DecodeHandoff reconstructs the Policy and envstore.Store the parent
// passed to a re-exec'd child via the process environment.
func DecodeHandoff(environ []string) (Policy, *envstore.Store, error) {
	var p Policy
	var directives []envstore.Directive

	for _, kv := range environ {
		switch {
		case hasEnvKey(kv, policyEnvVar):
			if err := yaml.Unmarshal([]byte(envValue(kv)), &p); err != nil {
				return Policy{}, nil, fmt.Errorf("driver: decode policy handoff: %w", err)
			}
		case hasEnvKey(kv, envStoreEnvVar):
			if err := yaml.Unmarshal([]byte(envValue(kv)), &directives); err != nil {
				return Policy{}, nil, fmt.Errorf("driver: decode env handoff: %w", err)
			}
		}
	}
	return p, envstore.FromDirectives(directives), nil
}

func hasEnvKey(kv, key string) bool {
	return len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '='
}

func envValue(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[i+1:]
		}
	}
	return ""
}

// Policy is a thin alias to keep this package's public surface readable
// without forcing every caller to import the policy package twice.
type Policy = policy.Policy

// Driver owns one sandbox launch from fork through wait.
type Driver struct {
	Policy     Policy
	Gate       *identity.Gate
	Env        *envstore.Store
	FilterPath string // path of an already-compiled seccomp filter, optional
}

// New returns a Driver ready to Launch p.
func New(p Policy, gate *identity.Gate, env *envstore.Store) *Driver {
	return &Driver{Policy: p, Gate: gate, Env: env}
}

// PrepareFilter invokes the external filter-builder helper under the
// FilterBuilder identity when the policy requires seccomp enforcement but
// no precompiled filter was supplied on the command line. It is a
// separate step from Launch so callers can surface a build failure before
// any namespace is created.
func (d *Driver) PrepareFilter(ctx context.Context, builderPath string) error {
	if !d.Policy.SeccompEnabled || d.Policy.SeccompFilter != "" {
		return nil
	}
	if builderPath == "" {
		return fmt.Errorf("driver: seccomp enabled but no filter builder configured")
	}

	out, err := os.CreateTemp("", "boxjail-seccomp-*.bpf")
	if err != nil {
		return fmt.Errorf("driver: create filter output file: %w", err)
	}
	out.Close()

	cmd, err := gateway.Spawn(ctx, d.Gate, builderPath, []string{"-o", out.Name()}, gateway.FilterBuilder)
	if err != nil {
		return fmt.Errorf("driver: prepare filter builder: %w", err)
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("driver: filter builder failed: %w", err)
	}

	d.FilterPath = out.Name()
	return nil
}

// PrepareNetwork validates every requested bridge attachment before the
// child is spawned, so a bad interface name fails before any namespace
// exists instead of stranding a half-constructed sandbox.
func (d *Driver) PrepareNetwork() error {
	for _, br := range d.Policy.Net.Bridges {
		if err := gateway.ValidateBridge(br.Name); err != nil {
			return fmt.Errorf("driver: prepare network: %w", err)
		}
	}
	return nil
}

// Launch runs the full construction protocol: PREPARE, SPAWN, the
// namespace rendezvous, and WAIT. It returns the child's exit code.
// onSpawn, if non-nil, is called with the child's pid as soon as it has
// been started, before the rendezvous handshake begins, so a caller can
// register the run while it is still alive.
func (d *Driver) Launch(ctx context.Context, onSpawn func(pid int)) (int, error) {
	pp, err := newPipePair()
	if err != nil {
		return -1, err
	}
	defer pp.close()

	selfExe, err := os.Executable()
	if err != nil {
		return -1, fmt.Errorf("driver: resolve self executable: %w", err)
	}

	polYAML, err := yaml.Marshal(d.Policy)
	if err != nil {
		return -1, fmt.Errorf("driver: encode policy handoff: %w", err)
	}
	envYAML, err := yaml.Marshal(d.Env.Directives())
	if err != nil {
		return -1, fmt.Errorf("driver: encode env handoff: %w", err)
	}

	cmd := exec.Command(selfExe, d.Policy.Program...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	cmd.Env = append(os.Environ(),
		reexecSentinel+"=1",
		policyEnvVar+"="+string(polYAML),
		envStoreEnvVar+"="+string(envYAML),
	)
	cmd.ExtraFiles = []*os.File{pp.parentToChild.r, pp.childToParent.w}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: cloneFlags(d.Policy.Namespace),
	}

	if err := d.Gate.AsRoot(func() error {
		return cmd.Start()
	}); err != nil {
		return -1, fmt.Errorf("driver: spawn child: %w", err)
	}

	if onSpawn != nil {
		onSpawn(cmd.Process.Pid)
	}

	log.Printf("driver: launched pid %d, mem limit %s, timeout %s",
		cmd.Process.Pid, describeMemLimit(d.Policy.MemLimit), d.Policy.Timeout)

	if d.Policy.MemLimit > 0 {
		cg, err := newCgroupManager(fmt.Sprintf("%d", cmd.Process.Pid))
		if err != nil {
			log.Printf("driver: cgroup unavailable, falling back to rlimit only: %v", err)
		} else {
			if err := cg.setMemoryMax(d.Policy.MemLimit); err != nil {
				log.Printf("driver: set memory.max: %v", err)
			}
			if err := cg.addPID(cmd.Process.Pid); err != nil {
				log.Printf("driver: add pid to cgroup: %v", err)
			}
			defer func() {
				if err := cg.destroy(); err != nil {
					log.Printf("driver: destroy cgroup: %v", err)
				}
			}()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.runRendezvous(gctx, cmd.Process.Pid, pp)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigCh)

	childExited := make(chan struct{})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			log.Printf("driver: forwarding signal %s to child pid %d", sig, cmd.Process.Pid)
			return cmd.Process.Signal(sig)
		case <-childExited:
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	waitErr := cmd.Wait()
	close(childExited)
	if err := g.Wait(); err != nil {
		log.Printf("driver: construction protocol error: %v", err)
	}

	if waitErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("driver: wait child: %w", waitErr)
}

// runRendezvous drives the parent side of the phase state machine:
// RELEASE-1 (base namespaces ready) -> WAIT-USERNS (child created its own
// user namespace) -> MAP (parent writes uid/gid maps) -> RELEASE-2
// (child may now execve). The WAIT-USERNS/MAP steps only run when the
// child actually unshares a fresh user namespace: that happens when
// noroot is set and the sandbox isn't joining an external netns (see
// RunChild); otherwise the child stays in the parent's user namespace and
// no id map is ever written.
func (d *Driver) runRendezvous(ctx context.Context, childPID int, pp *pipePair) error {
	if err := pp.SignalChild(); err != nil {
		return fmt.Errorf("RELEASE-1: %w", err)
	}

	if d.Policy.Namespace.NetnsJoin == "" && d.Policy.Hardening.Noroot {
		if err := pp.WaitChild(); err != nil {
			return fmt.Errorf("WAIT-USERNS: %w", err)
		}

		if err := writeIDMap(childPID, "uid_map", unix.Getuid()); err != nil {
			return fmt.Errorf("MAP uid: %w", err)
		}
		if err := writeIDMap(childPID, "gid_map", unix.Getgid()); err != nil {
			return fmt.Errorf("MAP gid: %w", err)
		}
	}

	if err := pp.SignalChild(); err != nil {
		return fmt.Errorf("RELEASE-2: %w", err)
	}
	return nil
}

// describeMemLimit renders a cgroup memory.max value in human-readable
// form for the launch log line, or "unlimited" when no limit was set.
func describeMemLimit(limit uint64) string {
	if limit == 0 {
		return "unlimited"
	}
	return humanize.IBytes(limit)
}

func writeIDMap(pid int, file string, id int) error {
	path := fmt.Sprintf("/proc/%d/%s", pid, file)
	line := fmt.Sprintf("%d %d 1\n", id, id)
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// cloneFlags returns the namespace flags created at fork time. The user
// namespace is deliberately not created here: it is unshared by the child
// itself after RELEASE-1 (see runRendezvous/RunChild), because the parent
// must still be able to write the child's uid/gid maps from outside that
// namespace before the child's privileges inside it take effect.
func cloneFlags(ns policy.NamespaceSet) uintptr {
	flags := uintptr(unix.CLONE_NEWNS | unix.CLONE_NEWPID | unix.CLONE_NEWUTS)
	if ns.IPC {
		flags |= unix.CLONE_NEWIPC
	}
	if ns.Net && ns.NetnsJoin == "" {
		flags |= unix.CLONE_NEWNET
	}
	return flags
}
