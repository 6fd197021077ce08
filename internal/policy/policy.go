// Package policy builds and validates the immutable Policy value that
// drives sandbox construction. A Policy is only ever produced by Builder,
// which accumulates directives from the command line and loaded profiles
// and validates each exclusivity/capacity rule as soon as it is knowable,
// then freezes the result into a value that has already passed every
// invariant check.
package policy

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ConfigError reports a violated invariant or an unrecognized directive.
// It is fatal pre-fork: mutually-exclusive flags, capacity exceeded,
// unknown capability/syscall name, invalid path.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

// AuthError reports a privileged directive attempted by a non-root user
// (e.g. --netfilter, --interface=), distinct from a plain misconfiguration.
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string { return e.Msg }

// FSKind distinguishes the filesystem directives a profile or the command
// line can accumulate. Materializing these into actual mounts is mostly
// delegated to an external filesystem-assembly step; PolicyBuilder's job
// is only to accumulate them in order and enforce the directive grammar.
type FSKind int

const (
	FSBind FSKind = iota
	FSTmpfs
	FSBlacklist
	FSNoBlacklist
	FSWhitelist
	FSNoWhitelist
	FSReadOnly
	FSReadWrite
	FSNoExec
)

// FSDirective is one filesystem intent, kept in accumulation order.
type FSDirective struct {
	Kind FSKind
	Path string
	Dest string // used by FSBind
}

// NamespaceSet names which namespaces are requested, beyond the always-on
// mount/pid/uts trio.
type NamespaceSet struct {
	IPC bool
	Net bool
	// NetnsJoin, when non-empty, joins a pre-existing external network
	// namespace by name instead of creating a fresh one.
	NetnsJoin string
}

// BridgeRecord is one --net=NAME entry: either a bridge or an external
// interface handed to the network worker, plus at most one IP/MAC/IPv6
// assignment each (a second assignment to the same field is an error).
type BridgeRecord struct {
	Name   string
	IP     string
	IPNone bool
	Mac    string
	IPv6   string
}

// NetworkIntents groups the up-to-four-bridges/interfaces/DNS-servers
// network policy the external network worker consumes.
type NetworkIntents struct {
	// None records that --net=none was given: the child still gets a
	// fresh network namespace, but with no devices moved into it, and no
	// subsequent --interface= may be given.
	None bool

	Bridges    []BridgeRecord
	Interfaces []string
	DNS        []string

	DefaultGateway string
	HostFile       string
	NetfilterV4    string
	NetfilterV6    string
	VethName       string
	MTU            string
	IPRange        string
	Scan           bool
}

// CapMode selects the capability-resolution strategy.
type CapMode int

const (
	CapUnchanged CapMode = iota
	CapDefaultFilter
	CapDropList
	CapKeepList
	CapDropAll
)

// ShellMode records how the no-program-given case should resolve a shell.
type ShellMode int

const (
	// ShellDefault defers to ShellResolver's normal SHELL-or-fallback walk.
	ShellDefault ShellMode = iota
	// ShellNone forbids shell resolution; a program vector becomes required.
	ShellNone
	// ShellExplicit pins the shell to ShellPath, bypassing resolution.
	ShellExplicit
)

// Hardening groups the toggles supplemented from the original CLI surface.
type Hardening struct {
	AppArmor   bool
	AppImage   bool
	NoNewPrivs bool

	// Noroot requests the child create its own user namespace (see the
	// SandboxDriver construction protocol); without it the child runs in
	// the parent's user namespace and no uid/gid map is ever written.
	Noroot bool
	// NoGroups makes the child clear its supplementary group list instead
	// of adding the ancillary tty/audio/video/games groups to it. The
	// ancillary groups get no gid_map entry whether or not it is set.
	NoGroups bool

	Private      bool
	PrivateDir   string
	PrivateDev   bool
	PrivateTmp   bool
	PrivateCache bool

	WritableEtc     bool
	WritableVar     bool
	WritableVarLog  bool
	WritableRunUser bool

	KeepVarTmp             bool
	MemoryDenyWriteExecute bool
}

// Policy is the complete, validated configuration for one sandbox launch.
// It is immutable once returned from Builder.Freeze.
type Policy struct {
	Program []string
	Name    string

	Namespace NamespaceSet
	Net       NetworkIntents

	FS []FSDirective

	CapMode  CapMode
	CapNames []string // interpreted per CapMode

	SeccompEnabled bool
	SeccompFilter  string // path to a compiled filter, built externally
	SeccompDrop    []string
	SeccompKeep    []string
	Protocols      []string

	CPULimit time.Duration
	MemLimit uint64
	MaxFDs   uint32
	Timeout  time.Duration

	Hostname string

	ShellMode ShellMode
	ShellPath string

	IgnorePatterns []string

	Hardening Hardening
}

// defaultDangerousCaps is the fixed set dropped by CapDefaultFilter,
// matching firejail's own default capability blacklist.
var defaultDangerousCaps = []string{
	"cap_sys_admin", "cap_sys_module", "cap_sys_rawio", "cap_sys_ptrace",
	"cap_sys_boot", "cap_sys_time", "cap_net_admin", "cap_net_raw",
	"cap_mknod", "cap_audit_write", "cap_audit_control",
	"cap_mac_admin", "cap_mac_override",
}

var capByName = buildCapTable()

func buildCapTable() map[string]uintptr {
	return map[string]uintptr{
		"cap_chown":            unix.CAP_CHOWN,
		"cap_dac_override":     unix.CAP_DAC_OVERRIDE,
		"cap_dac_read_search":  unix.CAP_DAC_READ_SEARCH,
		"cap_fowner":           unix.CAP_FOWNER,
		"cap_fsetid":           unix.CAP_FSETID,
		"cap_kill":             unix.CAP_KILL,
		"cap_setgid":           unix.CAP_SETGID,
		"cap_setuid":           unix.CAP_SETUID,
		"cap_setpcap":          unix.CAP_SETPCAP,
		"cap_net_bind_service": unix.CAP_NET_BIND_SERVICE,
		"cap_net_broadcast":    unix.CAP_NET_BROADCAST,
		"cap_net_admin":        unix.CAP_NET_ADMIN,
		"cap_net_raw":          unix.CAP_NET_RAW,
		"cap_ipc_lock":         unix.CAP_IPC_LOCK,
		"cap_ipc_owner":        unix.CAP_IPC_OWNER,
		"cap_sys_module":       unix.CAP_SYS_MODULE,
		"cap_sys_rawio":        unix.CAP_SYS_RAWIO,
		"cap_sys_chroot":       unix.CAP_SYS_CHROOT,
		"cap_sys_ptrace":       unix.CAP_SYS_PTRACE,
		"cap_sys_pacct":        unix.CAP_SYS_PACCT,
		"cap_sys_admin":        unix.CAP_SYS_ADMIN,
		"cap_sys_boot":         unix.CAP_SYS_BOOT,
		"cap_sys_nice":         unix.CAP_SYS_NICE,
		"cap_sys_resource":     unix.CAP_SYS_RESOURCE,
		"cap_sys_time":         unix.CAP_SYS_TIME,
		"cap_sys_tty_config":   unix.CAP_SYS_TTY_CONFIG,
		"cap_mknod":            unix.CAP_MKNOD,
		"cap_lease":            unix.CAP_LEASE,
		"cap_audit_write":      unix.CAP_AUDIT_WRITE,
		"cap_audit_control":    unix.CAP_AUDIT_CONTROL,
		"cap_setfcap":          unix.CAP_SETFCAP,
		"cap_mac_override":     unix.CAP_MAC_OVERRIDE,
		"cap_mac_admin":        unix.CAP_MAC_ADMIN,
		"cap_syslog":           unix.CAP_SYSLOG,
		"cap_wake_alarm":       unix.CAP_WAKE_ALARM,
		"cap_block_suspend":    unix.CAP_BLOCK_SUSPEND,
		"cap_audit_read":       unix.CAP_AUDIT_READ,
	}
}

// ResolveCapabilities returns the set of capability names to retain under
// mode. The precedence chain between modes (drop-all beats an explicit
// keep list, which beats an explicit drop list, which beats
// default-filter, which beats leaving capabilities unchanged) is applied
// earlier, by Builder.SetCaps.
func ResolveCapabilities(mode CapMode, names []string) ([]string, error) {
	for _, n := range names {
		if _, ok := capByName[n]; !ok {
			return nil, &ConfigError{Msg: fmt.Sprintf("unknown capability %q", n)}
		}
	}

	all := allCapNames()

	switch mode {
	case CapDropAll:
		return nil, nil
	case CapKeepList:
		return names, nil
	case CapDropList:
		return subtract(all, names), nil
	case CapDefaultFilter:
		return subtract(all, defaultDangerousCaps), nil
	case CapUnchanged:
		return all, nil
	default:
		return nil, &ConfigError{Msg: "unknown capability mode"}
	}
}

// DebugCapabilityNames returns every capability name this package
// recognizes, for the --debug-caps query-and-exit command.
func DebugCapabilityNames() []string {
	return allCapNames()
}

func allCapNames() []string {
	names := make([]string, 0, len(capByName))
	for n := range capByName {
		names = append(names, n)
	}
	return names
}

func subtract(all, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, n := range remove {
		drop[n] = true
	}
	var out []string
	for _, n := range all {
		if !drop[n] {
			out = append(out, n)
		}
	}
	return out
}

// maxAccumulated is the I7 capacity bound shared by bridges, interfaces,
// DNS servers, and profile-ignore patterns.
const maxAccumulated = 4

// Builder accumulates directives in the order they are parsed, rejecting
// an exclusivity or capacity violation (I1-I7) the moment it becomes
// knowable, rather than deferring every check to Freeze.
type Builder struct {
	p Policy

	isRoot bool

	profileSet   bool
	noprofileSet bool
	seccompSet   bool
}

// NewBuilder returns an empty Builder with invariant-safe zero values.
// isRoot is the real (not effective) uid of the invoking user, consulted
// for the root-only directives I5 names (--netfilter, --interface=).
func NewBuilder(isRoot bool) *Builder {
	return &Builder{p: Policy{CapMode: CapUnchanged}, isRoot: isRoot}
}

func (b *Builder) SetProgram(argv []string) *Builder { b.p.Program = argv; return b }

func (b *Builder) SetName(name string) *Builder { b.p.Name = name; return b }

func (b *Builder) SetHostname(h string) *Builder { b.p.Hostname = h; return b }

func (b *Builder) AddFS(d FSDirective) *Builder { b.p.FS = append(b.p.FS, d); return b }

func (b *Builder) SetNamespace(ns NamespaceSet) *Builder { b.p.Namespace = ns; return b }

// SetIPC turns on the IPC namespace (--ipc).
func (b *Builder) SetIPC() *Builder { b.p.Namespace.IPC = true; return b }

// Shell returns the shell mode/path accumulated so far, so the caller can
// resolve the no-program-vector case (shell=none, shell=path, or the
// default SHELL-or-fallback walk) before calling Freeze.
func (b *Builder) Shell() (ShellMode, string) { return b.p.ShellMode, b.p.ShellPath }

// SetCaps records a capability mode and its names. The CapMode constants
// are ordered by precedence, so a mode ranking below the one already set
// is ignored; a mode of equal rank replaces it.
func (b *Builder) SetCaps(mode CapMode, names []string) *Builder {
	if mode < b.p.CapMode {
		return b
	}
	b.p.CapMode = mode
	b.p.CapNames = names
	return b
}

func (b *Builder) SetLimits(cpu time.Duration, mem uint64, maxFDs uint32, timeout time.Duration) *Builder {
	b.p.CPULimit = cpu
	b.p.MemLimit = mem
	b.p.MaxFDs = maxFDs
	b.p.Timeout = timeout
	return b
}

func (b *Builder) SetTimeout(timeout time.Duration) *Builder { b.p.Timeout = timeout; return b }

func (b *Builder) SetHardening(h Hardening) *Builder { b.p.Hardening = h; return b }

// Hardening returns the Hardening toggles accumulated so far, so a
// directive that sets one field at a time can read-modify-write through
// SetHardening without clobbering earlier toggles.
func (b *Builder) Hardening() Hardening { return b.p.Hardening }

// SetProfile records that a profile= directive was given (I1). The
// profile's own directives are applied separately by the profile loader;
// this only participates in the noprofile/profile= exclusivity check.
func (b *Builder) SetProfile() error {
	if b.noprofileSet {
		return &ConfigError{Msg: "--noprofile and --profile are mutually exclusive"}
	}
	b.profileSet = true
	return nil
}

// SetNoProfile records --noprofile (I1).
func (b *Builder) SetNoProfile() error {
	if b.profileSet {
		return &ConfigError{Msg: "--noprofile and --profile are mutually exclusive"}
	}
	b.noprofileSet = true
	return nil
}

// SetShellNone records --shell=none (I2).
func (b *Builder) SetShellNone() error {
	if b.p.ShellMode == ShellExplicit {
		return &ConfigError{Msg: "shell=none and shell=<path> are mutually exclusive"}
	}
	b.p.ShellMode = ShellNone
	return nil
}

// SetShellPath records --shell=PATH (I2).
func (b *Builder) SetShellPath(path string) error {
	if b.p.ShellMode == ShellNone {
		return &ConfigError{Msg: "shell=none and shell=<path> are mutually exclusive"}
	}
	b.p.ShellMode = ShellExplicit
	b.p.ShellPath = path
	return nil
}

// SetSeccompIntent records any of --seccomp, --seccomp.drop=, or
// --seccomp.keep=. Only the first such directive may be given; any
// further one is I6's "seccomp already enabled" error.
func (b *Builder) SetSeccompIntent(filterPath string, drop, keep []string) error {
	if b.seccompSet {
		return &ConfigError{Msg: "seccomp already enabled"}
	}
	b.seccompSet = true
	b.p.SeccompEnabled = true
	b.p.SeccompFilter = filterPath
	b.p.SeccompDrop = drop
	b.p.SeccompKeep = keep
	return nil
}

func (b *Builder) SetProtocols(names []string) *Builder { b.p.Protocols = names; return b }

// AddIgnorePattern records a profile "ignore" directive (I7).
func (b *Builder) AddIgnorePattern(pattern string) error {
	if len(b.p.IgnorePatterns) >= maxAccumulated {
		return &ConfigError{Msg: "up to 4 profile-ignore patterns can be specified"}
	}
	b.p.IgnorePatterns = append(b.p.IgnorePatterns, pattern)
	return nil
}

// SetNetNone records --net=none (I3): clears any bridges/interfaces
// accumulated so far and forbids any subsequent --interface=.
func (b *Builder) SetNetNone() *Builder {
	b.p.Net.None = true
	b.p.Net.Bridges = nil
	b.p.Net.Interfaces = nil
	b.p.Namespace.Net = true
	return b
}

// AddBridge records one --net=NAME directive naming a bridge or external
// interface the network worker should attach (I7's 4-entry bound).
func (b *Builder) AddBridge(name string) error {
	if b.p.Net.None {
		return &ConfigError{Msg: "--net=none and --interface are incompatible"}
	}
	if len(b.p.Net.Bridges) >= maxAccumulated {
		return &ConfigError{Msg: "up to 4 bridges can be specified"}
	}
	b.p.Net.Bridges = append(b.p.Net.Bridges, BridgeRecord{Name: name})
	b.p.Namespace.Net = true
	return nil
}

// lastBridge returns the most recently added bridge record, for the
// --ip=/--mac=/--ip6= directives that configure "the bridge just named".
func (b *Builder) lastBridge() (*BridgeRecord, error) {
	if len(b.p.Net.Bridges) == 0 {
		return nil, &ConfigError{Msg: "no bridge or interface to configure; give --net= first"}
	}
	return &b.p.Net.Bridges[len(b.p.Net.Bridges)-1], nil
}

// SetBridgeIP applies --ip=ADDR or --ip=none to the last-added bridge (I4).
func (b *Builder) SetBridgeIP(addr string, none bool) error {
	br, err := b.lastBridge()
	if err != nil {
		return err
	}
	if br.IP != "" || br.IPNone {
		return &ConfigError{Msg: "a second IP assignment for this bridge is not allowed"}
	}
	if none {
		br.IPNone = true
	} else {
		br.IP = addr
	}
	return nil
}

// SetBridgeMac applies --mac=ADDR to the last-added bridge (I4).
func (b *Builder) SetBridgeMac(addr string) error {
	br, err := b.lastBridge()
	if err != nil {
		return err
	}
	if br.Mac != "" {
		return &ConfigError{Msg: "a second MAC assignment for this bridge is not allowed"}
	}
	br.Mac = addr
	return nil
}

// SetBridgeIPv6 applies --ip6=ADDR to the last-added bridge (I4).
func (b *Builder) SetBridgeIPv6(addr string) error {
	br, err := b.lastBridge()
	if err != nil {
		return err
	}
	if br.IPv6 != "" {
		return &ConfigError{Msg: "a second IPv6 assignment for this bridge is not allowed"}
	}
	br.IPv6 = addr
	return nil
}

// AddInterface records --interface=NAME, root-only per I5 (I7's bound).
func (b *Builder) AddInterface(name string) error {
	if !b.isRoot {
		return &AuthError{Msg: "--interface is only allowed for root"}
	}
	if b.p.Net.None {
		return &ConfigError{Msg: "--net=none and --interface are incompatible"}
	}
	if len(b.p.Net.Interfaces) >= maxAccumulated {
		return &ConfigError{Msg: "up to 4 interfaces can be specified"}
	}
	b.p.Net.Interfaces = append(b.p.Net.Interfaces, name)
	b.p.Namespace.Net = true
	return nil
}

// AddDNS records --dns=ADDR (I7's 4-entry bound; scenario 5's literal text).
func (b *Builder) AddDNS(addr string) error {
	if len(b.p.Net.DNS) >= maxAccumulated {
		return &ConfigError{Msg: "up to 4 DNS servers can be specified"}
	}
	b.p.Net.DNS = append(b.p.Net.DNS, addr)
	return nil
}

func (b *Builder) SetDefaultGateway(addr string) *Builder { b.p.Net.DefaultGateway = addr; return b }
func (b *Builder) SetHostFile(path string) *Builder       { b.p.Net.HostFile = path; return b }
func (b *Builder) SetVethName(name string) *Builder       { b.p.Net.VethName = name; return b }
func (b *Builder) SetMTU(mtu string) *Builder              { b.p.Net.MTU = mtu; return b }
func (b *Builder) SetIPRange(r string) *Builder            { b.p.Net.IPRange = r; return b }
func (b *Builder) SetScan() *Builder                       { b.p.Net.Scan = true; return b }

// SetNetfilter records --netfilter[=PATH] for IPv4, root-only per I5.
func (b *Builder) SetNetfilter(path string) error {
	if !b.isRoot {
		return &AuthError{Msg: "--netfilter is only allowed for root"}
	}
	b.p.Net.NetfilterV4 = path
	return nil
}

// SetNetfilterV6 records --netfilter6=PATH, root-only per I5.
func (b *Builder) SetNetfilterV6(path string) error {
	if !b.isRoot {
		return &AuthError{Msg: "--netfilter6 is only allowed for root"}
	}
	b.p.Net.NetfilterV6 = path
	return nil
}

// SetNetnsJoin records --netns=NAME, root-only per I5 (joining a network
// namespace belongs to the same privileged-networking family as
// --interface=/--netfilter).
func (b *Builder) SetNetnsJoin(name string) error {
	if !b.isRoot {
		return &AuthError{Msg: "--netns is only allowed for root"}
	}
	b.p.Namespace.NetnsJoin = name
	return nil
}

// Freeze validates every invariant that can only be checked once parsing
// is complete and returns the completed Policy, or the first violated
// invariant as a ConfigError.
func (b *Builder) Freeze() (Policy, error) {
	p := b.p

	// I1 (noprofile vs profile=) is not rechecked here: SetProfile and
	// SetNoProfile reject the second occurrence as it is parsed.
	if p.ShellMode == ShellNone && len(p.Program) == 0 {
		// I2 fold-in: shell=none with no program vector is the one
		// invariant violation that can only be known once the program
		// vector (or its absence) is final.
		return Policy{}, &ConfigError{Msg: "shell=none configured, but no program specified"}
	}

	// A program vector must be present once shell resolution (if any)
	// has had its chance to supply one; see cmd/boxjail's run(), which
	// calls Freeze only after resolving a shell for the no-program case.
	if len(p.Program) == 0 {
		return Policy{}, &ConfigError{Msg: "no program specified to run inside the sandbox"}
	}

	// I3: net=none with any interface accumulated (defense in depth;
	// SetNetNone clears earlier interfaces and AddInterface rejects
	// later ones).
	if p.Net.None && len(p.Net.Interfaces) > 0 {
		return Policy{}, &ConfigError{Msg: "--net=none and --interface are incompatible"}
	}

	// Every named capability must be a recognized capability.
	for _, n := range p.CapNames {
		if _, ok := capByName[n]; !ok {
			return Policy{}, &ConfigError{Msg: fmt.Sprintf("unknown capability %q", n)}
		}
	}

	// capability keep/drop lists require at least one named capability.
	if (p.CapMode == CapKeepList || p.CapMode == CapDropList) && len(p.CapNames) == 0 {
		return Policy{}, &ConfigError{Msg: "capability keep/drop mode requires at least one capability name"}
	}

	// resource limits, when set, must be positive.
	if p.CPULimit < 0 || p.Timeout < 0 {
		return Policy{}, &ConfigError{Msg: "negative duration limit"}
	}

	// filesystem directives need a non-empty path.
	for _, d := range p.FS {
		if d.Path == "" {
			return Policy{}, &ConfigError{Msg: "filesystem directive with empty path"}
		}
	}

	return p, nil
}
