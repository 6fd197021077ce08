package driver

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"unsafe"

	"github.com/boxjail/boxjail/internal/envstore"
	"github.com/boxjail/boxjail/internal/policy"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// ancillaryGroups are kept in the child's supplementary group list so a
// sandboxed program retains access to the tty, audio, and video devices
// its invoking user normally has, plus the games group the original
// sandbox carried over for the same reason.
var ancillaryGroups = []string{"tty", "audio", "video", "games"}

// IsReexec reports whether the current process is the freshly cloned
// child re-invoking itself, as opposed to the original launcher process.
func IsReexec() bool {
	return os.Getenv(reexecSentinel) != ""
}

// RunChild is the entry point the re-exec'd process calls instead of
// main's normal launcher path. It completes construction from inside the
// new namespaces: waits for RELEASE-1, unshares its own user namespace
// when requested, waits through the uid/gid mapping handshake, applies
// mounts, resource limits, capabilities, seccomp, and the environment,
// then execves the requested program.
func RunChild(p Policy, env *envstore.Store) error {
	pp := &pipePair{
		parentToChild: &rendezvous{r: os.NewFile(3, "p2c-r")},
		childToParent: &rendezvous{w: os.NewFile(4, "c2p-w")},
	}

	if err := pp.WaitParent(); err != nil {
		return fmt.Errorf("driver: child RELEASE-1: %w", err)
	}

	if p.Namespace.NetnsJoin != "" {
		if err := joinNetns(p.Namespace.NetnsJoin); err != nil {
			return fmt.Errorf("driver: join netns %s: %w", p.Namespace.NetnsJoin, err)
		}
	} else if p.Hardening.Noroot {
		if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
			return fmt.Errorf("driver: unshare user namespace: %w", err)
		}
		if err := pp.SignalParent(); err != nil {
			return fmt.Errorf("driver: child WAIT-USERNS signal: %w", err)
		}
	}

	if err := pp.WaitParent(); err != nil {
		return fmt.Errorf("driver: child RELEASE-2: %w", err)
	}

	if err := applyAncillaryGroups(p.Hardening.NoGroups); err != nil {
		return fmt.Errorf("driver: apply ancillary groups: %w", err)
	}

	if err := applyMounts(p.FS); err != nil {
		return fmt.Errorf("driver: apply mounts: %w", err)
	}

	if err := applyHostname(p.Hostname); err != nil {
		return fmt.Errorf("driver: set hostname: %w", err)
	}

	if err := applyRlimits(p); err != nil {
		return fmt.Errorf("driver: apply rlimits: %w", err)
	}

	if err := applyCapabilities(p.CapMode, p.CapNames); err != nil {
		return fmt.Errorf("driver: apply capabilities: %w", err)
	}

	if p.SeccompEnabled {
		if err := installSeccomp(p.SeccompFilter); err != nil {
			return fmt.Errorf("driver: install seccomp filter: %w", err)
		}
	}

	childEnv := envstore.Apply(os.Environ(), env)

	if len(p.Program) == 0 {
		return fmt.Errorf("driver: no program to exec")
	}
	binPath, err := exec.LookPath(p.Program[0])
	if err != nil {
		return fmt.Errorf("driver: resolve program %s: %w", p.Program[0], err)
	}

	return unix.Exec(binPath, p.Program, childEnv)
}

func joinNetns(name string) error {
	h, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("lookup netns %s: %w", name, err)
	}
	defer h.Close()
	return netns.Set(h)
}

func applyHostname(name string) error {
	if name == "" {
		return nil
	}
	return unix.Sethostname([]byte(name))
}

// applyAncillaryGroups keeps tty/audio/video/games in the child's
// supplementary group list, unless nogroups was requested, in which case
// the list is cleared to just the primary group.
func applyAncillaryGroups(noGroups bool) error {
	if noGroups {
		return unix.Setgroups(nil)
	}

	current, err := unix.Getgroups()
	if err != nil {
		return fmt.Errorf("getgroups: %w", err)
	}
	have := make(map[int]bool, len(current))
	for _, gid := range current {
		have[gid] = true
	}

	for _, name := range ancillaryGroups {
		grp, err := user.LookupGroup(name)
		if err != nil {
			continue // group not present on this host; nothing to carry over
		}
		gid, err := strconv.Atoi(grp.Gid)
		if err != nil || have[gid] {
			continue
		}
		current = append(current, gid)
		have[gid] = true
	}

	return unix.Setgroups(current)
}

// applyMounts materializes the filesystem directives PolicyBuilder
// accumulated. Bind, tmpfs, read-only, read-write, noexec and blacklist
// (deny) directives are mounted here; noblacklist exceptions and the
// whitelist tree assembly are not applied by this package.
func applyMounts(fs []policy.FSDirective) error {
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("make mount tree private: %w", err)
	}

	for _, d := range fs {
		switch d.Kind {
		case policy.FSBind:
			if err := unix.Mount(d.Path, d.Dest, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind %s -> %s: %w", d.Path, d.Dest, err)
			}
		case policy.FSReadOnly:
			if err := unix.Mount(d.Path, d.Path, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind-for-readonly %s: %w", d.Path, err)
			}
			if err := unix.Mount("", d.Path, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
				return fmt.Errorf("remount readonly %s: %w", d.Path, err)
			}
		case policy.FSReadWrite:
			if err := unix.Mount("", d.Path, "", unix.MS_BIND|unix.MS_REMOUNT, ""); err != nil {
				return fmt.Errorf("remount read-write %s: %w", d.Path, err)
			}
		case policy.FSNoExec:
			if err := unix.Mount(d.Path, d.Path, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
				return fmt.Errorf("bind-for-noexec %s: %w", d.Path, err)
			}
			if err := unix.Mount("", d.Path, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_NOEXEC, ""); err != nil {
				return fmt.Errorf("remount noexec %s: %w", d.Path, err)
			}
		case policy.FSTmpfs:
			if err := unix.Mount("tmpfs", d.Path, "tmpfs", 0, ""); err != nil {
				return fmt.Errorf("mount tmpfs at %s: %w", d.Path, err)
			}
		case policy.FSBlacklist:
			if err := denyPath(d.Path); err != nil {
				return fmt.Errorf("blacklist %s: %w", d.Path, err)
			}
		case policy.FSNoBlacklist, policy.FSWhitelist, policy.FSNoWhitelist:
			// Recorded for introspection (--fs.print=) only: resolving a
			// noblacklist exception or assembling a whitelist tree against
			// the rest of the filesystem is the external assembly step's
			// job, not this process's.
		}
	}
	return nil
}

// denyPath masks path by bind-mounting an empty, unreadable tmpfs node
// over it rather than removing it, so restoring visibility never requires
// touching the underlying filesystem.
func denyPath(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if info.IsDir() {
		return unix.Mount("tmpfs", path, "tmpfs", unix.MS_RDONLY, "mode=0000")
	}

	empty, err := os.CreateTemp("", "boxjail-deny-*")
	if err != nil {
		return err
	}
	empty.Close()
	defer os.Remove(empty.Name())

	if err := unix.Mount(empty.Name(), path, "", unix.MS_BIND, ""); err != nil {
		return err
	}
	return unix.Mount("", path, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, "")
}

func applyRlimits(p Policy) error {
	if p.CPULimit > 0 {
		lim := uint64(p.CPULimit.Seconds())
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: lim, Max: lim}); err != nil {
			return fmt.Errorf("RLIMIT_CPU: %w", err)
		}
	}
	if p.MemLimit > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: p.MemLimit, Max: p.MemLimit}); err != nil {
			return fmt.Errorf("RLIMIT_AS: %w", err)
		}
	}
	if p.MaxFDs > 0 {
		lim := uint64(p.MaxFDs)
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: lim, Max: lim}); err != nil {
			return fmt.Errorf("RLIMIT_NOFILE: %w", err)
		}
	}
	return nil
}

func applyCapabilities(mode policy.CapMode, names []string) error {
	keep, err := policy.ResolveCapabilities(mode, names)
	if err != nil {
		return err
	}
	if mode == policy.CapUnchanged {
		return nil
	}

	// LINUX_CAPABILITY_VERSION_3 corrupts the stack on some kernels when
	// mixed with user namespace creation in the same process; version 1
	// covers only the 32 lowest capability bits, so the names in
	// capBitByName at bit 32 and above (cap_mac_override through
	// cap_audit_read) are never kept.
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_1, Pid: 0}
	var data unix.CapUserData
	if err := unix.Capget(&hdr, &data); err != nil {
		return fmt.Errorf("capget: %w", err)
	}

	keepSet := map[string]bool{}
	for _, n := range keep {
		keepSet[n] = true
	}
	var effective, permitted, inheritable uint32
	for name, bit := range capBitByName {
		if keepSet[name] {
			effective |= 1 << bit
			permitted |= 1 << bit
			inheritable |= 1 << bit
		}
	}
	data.Effective, data.Permitted, data.Inheritable = effective, permitted, inheritable

	if err := unix.Capset(&hdr, &data); err != nil {
		return fmt.Errorf("capset: %w", err)
	}
	return nil
}

// bpfInstrSize is the on-disk and in-memory size of one unix.SockFilter
// instruction: a 16-bit code, two 8-bit jump offsets, and a 32-bit k.
const bpfInstrSize = 8

// installSeccomp loads a filter program built by the external filter
// builder. The core never compiles a filter itself (that stays a
// separate tool's job); it only decodes the builder's raw instruction
// stream into the kernel's expected BPF program shape and installs it.
func installSeccomp(filterPath string) error {
	if filterPath == "" {
		return fmt.Errorf("no seccomp filter path")
	}
	raw, err := os.ReadFile(filterPath)
	if err != nil {
		return fmt.Errorf("read filter: %w", err)
	}
	if len(raw)%bpfInstrSize != 0 {
		return fmt.Errorf("filter %s is not a whole number of BPF instructions", filterPath)
	}

	instrs := make([]unix.SockFilter, len(raw)/bpfInstrSize)
	for i := range instrs {
		off := i * bpfInstrSize
		instrs[i] = unix.SockFilter{
			Code: binary.LittleEndian.Uint16(raw[off : off+2]),
			Jt:   raw[off+2],
			Jf:   raw[off+3],
			K:    binary.LittleEndian.Uint32(raw[off+4 : off+8]),
		}
	}

	prog := unix.SockFprog{
		Len:    uint16(len(instrs)),
		Filter: &instrs[0],
	}

	if _, _, errno := unix.RawSyscall(unix.SYS_PRCTL, unix.PR_SET_NO_NEW_PRIVS, 1, 0); errno != 0 {
		return fmt.Errorf("PR_SET_NO_NEW_PRIVS: %w", errno)
	}
	if _, _, errno := unix.RawSyscall(unix.SYS_SECCOMP, unix.SECCOMP_SET_MODE_FILTER, 0, uintptr(unsafe.Pointer(&prog))); errno != 0 {
		return fmt.Errorf("SECCOMP_SET_MODE_FILTER: %w", errno)
	}
	return nil
}

// capBitByName maps capability names to their bit position, matching the
// unix.CAP_* constants; positions 32 and above lie outside the 32-bit
// word applyCapabilities sets.
var capBitByName = map[string]uint{
	"cap_chown": unix.CAP_CHOWN, "cap_dac_override": unix.CAP_DAC_OVERRIDE,
	"cap_dac_read_search": unix.CAP_DAC_READ_SEARCH, "cap_fowner": unix.CAP_FOWNER,
	"cap_fsetid": unix.CAP_FSETID, "cap_kill": unix.CAP_KILL,
	"cap_setgid": unix.CAP_SETGID, "cap_setuid": unix.CAP_SETUID,
	"cap_setpcap": unix.CAP_SETPCAP, "cap_net_bind_service": unix.CAP_NET_BIND_SERVICE,
	"cap_net_broadcast": unix.CAP_NET_BROADCAST, "cap_net_admin": unix.CAP_NET_ADMIN,
	"cap_net_raw": unix.CAP_NET_RAW, "cap_ipc_lock": unix.CAP_IPC_LOCK,
	"cap_ipc_owner": unix.CAP_IPC_OWNER, "cap_sys_module": unix.CAP_SYS_MODULE,
	"cap_sys_rawio": unix.CAP_SYS_RAWIO, "cap_sys_chroot": unix.CAP_SYS_CHROOT,
	"cap_sys_ptrace": unix.CAP_SYS_PTRACE, "cap_sys_pacct": unix.CAP_SYS_PACCT,
	"cap_sys_admin": unix.CAP_SYS_ADMIN, "cap_sys_boot": unix.CAP_SYS_BOOT,
	"cap_sys_nice": unix.CAP_SYS_NICE, "cap_sys_resource": unix.CAP_SYS_RESOURCE,
	"cap_sys_time": unix.CAP_SYS_TIME, "cap_sys_tty_config": unix.CAP_SYS_TTY_CONFIG,
	"cap_mknod": unix.CAP_MKNOD, "cap_lease": unix.CAP_LEASE,
	"cap_audit_write": unix.CAP_AUDIT_WRITE, "cap_audit_control": unix.CAP_AUDIT_CONTROL,
	"cap_setfcap": unix.CAP_SETFCAP, "cap_mac_override": unix.CAP_MAC_OVERRIDE,
	"cap_mac_admin": unix.CAP_MAC_ADMIN, "cap_syslog": unix.CAP_SYSLOG,
	"cap_wake_alarm": unix.CAP_WAKE_ALARM, "cap_block_suspend": unix.CAP_BLOCK_SUSPEND,
	"cap_audit_read": unix.CAP_AUDIT_READ,
}
