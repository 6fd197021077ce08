// Command boxjail launches a program inside a restricted namespace
// sandbox, assembling its security policy from command-line flags and
// profile files before handing construction off to the sandbox driver.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/boxjail/boxjail/internal/arglex"
	"github.com/boxjail/boxjail/internal/driver"
	"github.com/boxjail/boxjail/internal/envstore"
	"github.com/boxjail/boxjail/internal/identity"
	"github.com/boxjail/boxjail/internal/policy"
	"github.com/boxjail/boxjail/internal/profile"
	"github.com/boxjail/boxjail/internal/registry"
	"github.com/boxjail/boxjail/internal/shell"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

func main() {
	if driver.IsReexec() {
		runChild()
		return
	}

	if err := run(os.Args[1:]); err != nil {
		reportError(err)
		os.Exit(exitCodeFor(err))
	}
}

// runChild is the re-exec'd child's entry point: it reconstructs the
// Policy and env directives the parent encoded into its environment and
// hands off to the driver package to finish construction and execve.
func runChild() {
	pol, env, err := driver.DecodeHandoff(os.Environ())
	if err != nil {
		fmt.Fprintf(os.Stderr, "boxjail: %v\n", err)
		os.Exit(1)
	}
	if err := driver.RunChild(pol, env); err != nil {
		fmt.Fprintf(os.Stderr, "boxjail: %v\n", err)
		os.Exit(1)
	}
}

func reportError(err error) {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		fmt.Fprintf(os.Stderr, "\x1b[31mError:\x1b[0m %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// exitCodeFor always returns 1: every pre-fork launcher error (whether a
// ConfigError, an AuthError, or anything else) exits 1, the same as a
// generic failure. Only the sandboxed program's own exit code, or
// 128+signal if it was killed by one, can differ from that.
func exitCodeFor(err error) int {
	return 1
}

func run(argv []string) error {
	res, err := arglex.Lex(argv)
	if err != nil {
		return &policy.ConfigError{Msg: err.Error()}
	}

	for _, tok := range res.Tokens {
		if arglex.IsQueryAndExit(tok) {
			return runQueryAndExit(tok)
		}
	}

	gate := identity.New()
	home := os.Getenv("HOME")

	b := policy.NewBuilder(gate.IsRoot())
	env := envstore.New()
	profileSeen, noprofileSeen, shellCommand, err := applyTokens(res.Tokens, home, b, env)
	if err != nil {
		return err
	}

	if !profileSeen && !noprofileSeen {
		if err := loadDefaultProfile(res.Program, home, gate.IsRoot(), b, env); err != nil {
			return err
		}
	}

	mode, shellPath := b.Shell()
	resolveShell := func() (string, error) {
		if mode == policy.ShellExplicit {
			return shellPath, nil
		}
		return shell.Resolve(false, os.Getenv, nil)
	}

	program := res.Program
	switch {
	case shellCommand && len(program) > 0:
		// -c forces the remaining argv to be interpreted as a single shell
		// command, the same way the resolved shell's own -c flag does.
		sh, serr := resolveShell()
		if serr != nil {
			return serr
		}
		program = []string{sh, "-c", strings.Join(program, " ")}
	case len(program) == 0:
		switch mode {
		case policy.ShellExplicit:
			program = []string{shellPath}
		case policy.ShellNone:
			// Leave program empty; Freeze reports the missing-program error.
		default:
			sh, serr := resolveShell()
			if serr != nil {
				return serr
			}
			program = []string{sh}
		}
	}
	if len(program) > 0 {
		b.SetProgram(program)
	}

	pol, err := b.Freeze()
	if err != nil {
		return err
	}

	reg := registry.Open(registry.DefaultDir)
	if err := reg.Build(); err != nil {
		return err
	}
	if err := reg.SweepDead(os.Getenv); err != nil {
		return err
	}

	d := driver.New(pol, gate, env)
	if err := d.PrepareNetwork(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), effectiveTimeout(pol))
	defer cancel()

	name := pol.Name
	if name == "" {
		name = uuid.New().String()[:8]
	}

	var childPID int
	onSpawn := func(pid int) {
		childPID = pid
		rec := registry.RunRecord{
			Name:          name,
			SeccompFilter: pol.SeccompFilter,
			Caps:          pol.CapNames,
			DNS:           pol.Net.DNS,
			FSDirectives:  len(pol.FS),
		}
		if _, rerr := reg.Register(pid, rec); rerr != nil {
			fmt.Fprintf(os.Stderr, "boxjail: warning: could not register run: %v\n", rerr)
		}
	}

	code, err := d.Launch(ctx, onSpawn)
	if childPID != 0 {
		reg.Delete(childPID)
	}
	if err != nil {
		return err
	}

	os.Exit(code)
	return nil
}

func effectiveTimeout(p policy.Policy) time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 24 * time.Hour
}

// loadDefaultProfile tries each of profile.DefaultProfileNames in turn,
// loading the first one that exists, matching the fallback chain used
// when neither --profile nor --noprofile was given explicitly.
func loadDefaultProfile(program []string, home string, isRoot bool, b *policy.Builder, env *envstore.Store) error {
	command := "default"
	if len(program) > 0 {
		command = filepath.Base(program[0])
	}
	for _, name := range profile.DefaultProfileNames(command, isRoot) {
		path, err := profile.Resolve(name, home)
		if err != nil {
			continue
		}
		return profile.Load(path, home, b, env)
	}
	return nil
}

// applyTokens dispatches every lexed CLI token to the builder, mirroring
// profile.applyDirective's grammar with the leading "--" restored. It
// returns whether --profile or --noprofile was seen, so run can decide
// whether the default-profile fallback chain applies, and whether -c
// (shell-command mode) was given.
func applyTokens(tokens []arglex.Token, home string, b *policy.Builder, env *envstore.Store) (profileSeen, noprofileSeen, shellCommand bool, err error) {
	var keepNames, dropNames []string
	var keepSet, dropSet, dropAll bool

	for _, tok := range tokens {
		val := expandHome(tok.Value, home)

		switch tok.Kind {
		case arglex.FlagValued:
			switch tok.Name {
			case "--profile":
				path, rerr := profile.Resolve(val, home)
				if rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
				if rerr := b.SetProfile(); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
				profileSeen = true
				if rerr := profile.Load(path, home, b, env); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--hostname":
				b.SetHostname(val)
			case "--name":
				b.SetName(val)
			case "--netns":
				if rerr := b.SetNetnsJoin(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--caps.keep":
				keepSet = true
				keepNames = append(keepNames, splitComma(val)...)
			case "--caps.drop":
				dropSet = true
				dropNames = append(dropNames, splitComma(val)...)
			case "--seccomp":
				if rerr := b.SetSeccompIntent(val, nil, nil); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--seccomp.drop":
				if rerr := b.SetSeccompIntent("", splitComma(val), nil); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--seccomp.keep":
				if rerr := b.SetSeccompIntent("", nil, splitComma(val)); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--protocol":
				b.SetProtocols(splitComma(val))
			case "--net":
				if val == "none" {
					b.SetNetNone()
					break
				}
				if rerr := b.AddBridge(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--interface":
				if rerr := b.AddInterface(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--ip":
				if rerr := b.SetBridgeIP(val, val == "none"); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--ip6":
				if rerr := b.SetBridgeIPv6(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--mac":
				if rerr := b.SetBridgeMac(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--mtu":
				if _, perr := strconv.Atoi(val); perr != nil {
					return profileSeen, noprofileSeen, shellCommand, &policy.ConfigError{Msg: fmt.Sprintf("invalid mtu %q", val)}
				}
				b.SetMTU(val)
			case "--iprange":
				b.SetIPRange(val)
			case "--defaultgw":
				b.SetDefaultGateway(val)
			case "--dns":
				if rerr := b.AddDNS(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--netfilter":
				if rerr := b.SetNetfilter(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--netfilter6":
				if rerr := b.SetNetfilterV6(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--veth-name":
				b.SetVethName(val)
			case "--shell":
				if val == "none" {
					if rerr := b.SetShellNone(); rerr != nil {
						return profileSeen, noprofileSeen, shellCommand, rerr
					}
					break
				}
				if rerr := b.SetShellPath(val); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--timeout":
				secs, perr := strconv.Atoi(val)
				if perr != nil {
					return profileSeen, noprofileSeen, shellCommand, &policy.ConfigError{Msg: fmt.Sprintf("invalid timeout %q", val)}
				}
				b.SetTimeout(time.Duration(secs) * time.Second)
			case "--env":
				k, v, ok := strings.Cut(val, "=")
				if !ok {
					return profileSeen, noprofileSeen, shellCommand, &policy.ConfigError{Msg: fmt.Sprintf("env requires KEY=VALUE, got %q", val)}
				}
				env.SetVar(k, v)
			case "--rmenv":
				env.UnsetVar(val)
			case "--blacklist":
				b.AddFS(policy.FSDirective{Kind: policy.FSBlacklist, Path: val})
			case "--noblacklist":
				b.AddFS(policy.FSDirective{Kind: policy.FSNoBlacklist, Path: val})
			case "--whitelist":
				b.AddFS(policy.FSDirective{Kind: policy.FSWhitelist, Path: val})
			case "--nowhitelist":
				b.AddFS(policy.FSDirective{Kind: policy.FSNoWhitelist, Path: val})
			case "--read-only":
				b.AddFS(policy.FSDirective{Kind: policy.FSReadOnly, Path: val})
			case "--read-write":
				b.AddFS(policy.FSDirective{Kind: policy.FSReadWrite, Path: val})
			case "--noexec":
				b.AddFS(policy.FSDirective{Kind: policy.FSNoExec, Path: val})
			case "--bind":
				src, dst, ok := strings.Cut(val, ",")
				if !ok {
					return profileSeen, noprofileSeen, shellCommand, &policy.ConfigError{Msg: fmt.Sprintf("bind requires SRC,DST, got %q", val)}
				}
				b.AddFS(policy.FSDirective{Kind: policy.FSBind, Path: src, Dest: dst})
			case "--tmpfs":
				b.AddFS(policy.FSDirective{Kind: policy.FSTmpfs, Path: val})
			case "--private":
				h := b.Hardening()
				h.Private = true
				h.PrivateDir = val
				b.SetHardening(h)
			}

		case arglex.FlagBare:
			switch tok.Name {
			case "-c":
				shellCommand = true
			case "--noprofile":
				if rerr := b.SetNoProfile(); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
				noprofileSeen = true
			case "--ipc":
				b.SetIPC()
			case "--caps.drop-all":
				dropAll = true
			case "--seccomp":
				if rerr := b.SetSeccompIntent("", nil, nil); rerr != nil {
					return profileSeen, noprofileSeen, shellCommand, rerr
				}
			case "--scan":
				b.SetScan()
			case "--private-tmp":
				h := b.Hardening()
				h.PrivateTmp = true
				b.SetHardening(h)
				b.AddFS(policy.FSDirective{Kind: policy.FSTmpfs, Path: "/tmp"})
			case "--disable-mnt":
				// Masking /mnt, /media, /run/mount belongs to the
				// excluded low-level filesystem assembly.
			case "--private":
				h := b.Hardening()
				h.Private = true
				b.SetHardening(h)
			default:
				if hf, ok := hardeningFlag(tok.Name); ok {
					h := b.Hardening()
					hf(&h)
					b.SetHardening(h)
				}
			}
		}
	}

	switch {
	case dropAll:
		b.SetCaps(policy.CapDropAll, nil)
	case keepSet:
		b.SetCaps(policy.CapKeepList, keepNames)
	case dropSet:
		b.SetCaps(policy.CapDropList, dropNames)
	}
	return profileSeen, noprofileSeen, shellCommand, nil
}

// hardeningFlag maps a bare CLI flag name to the Hardening field it sets.
func hardeningFlag(name string) (func(*policy.Hardening), bool) {
	switch name {
	case "--noroot":
		return func(h *policy.Hardening) { h.Noroot = true }, true
	case "--nogroups":
		return func(h *policy.Hardening) { h.NoGroups = true }, true
	case "--nonewprivs":
		return func(h *policy.Hardening) { h.NoNewPrivs = true }, true
	case "--apparmor":
		return func(h *policy.Hardening) { h.AppArmor = true }, true
	case "--appimage":
		return func(h *policy.Hardening) { h.AppImage = true }, true
	case "--keep-var-tmp":
		return func(h *policy.Hardening) { h.KeepVarTmp = true }, true
	case "--memory-deny-write-execute":
		return func(h *policy.Hardening) { h.MemoryDenyWriteExecute = true }, true
	case "--writable-etc":
		return func(h *policy.Hardening) { h.WritableEtc = true }, true
	case "--writable-var":
		return func(h *policy.Hardening) { h.WritableVar = true }, true
	case "--writable-var-log":
		return func(h *policy.Hardening) { h.WritableVarLog = true }, true
	case "--writable-run-user":
		return func(h *policy.Hardening) { h.WritableRunUser = true }, true
	case "--private-dev":
		return func(h *policy.Hardening) { h.PrivateDev = true }, true
	case "--private-cache":
		return func(h *policy.Hardening) { h.PrivateCache = true }, true
	default:
		return nil, false
	}
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}

func expandHome(s, home string) string {
	if s == "~" {
		return home
	}
	if strings.HasPrefix(s, "~/") {
		return home + s[1:]
	}
	return s
}

func runQueryAndExit(tok arglex.Token) error {
	switch tok.Name {
	case "--help":
		fmt.Println("usage: boxjail [options] [--] [program [args...]]")
	case "--version":
		fmt.Println("boxjail (development build)")
	case "--debug-caps":
		for _, name := range policy.DebugCapabilityNames() {
			fmt.Println(name)
		}
	case "--profile.print=":
		return printFromRecord(tok.Value, func(rec *registry.RunRecord) {
			fmt.Println(rec.ProfilePath)
		})
	case "--seccomp.print=":
		return printFromRecord(tok.Value, func(rec *registry.RunRecord) {
			if rec.SeccompFilter == "" {
				fmt.Println("seccomp disabled")
				return
			}
			fmt.Println(rec.SeccompFilter)
		})
	case "--caps.print=":
		return printFromRecord(tok.Value, func(rec *registry.RunRecord) {
			for _, name := range rec.Caps {
				fmt.Println(name)
			}
		})
	case "--fs.print=":
		return printFromRecord(tok.Value, func(rec *registry.RunRecord) {
			fmt.Printf("%d filesystem directives\n", rec.FSDirectives)
		})
	case "--dns.print=":
		return printFromRecord(tok.Value, func(rec *registry.RunRecord) {
			for _, addr := range rec.DNS {
				fmt.Println(addr)
			}
		})
	default:
		fmt.Printf("%s%s\n", tok.Name, tok.Value)
	}
	return nil
}

// printFromRecord looks up the run named token in the registry and calls
// print with the matching record, or returns an error if no sandbox by
// that name (or pid) is currently registered.
func printFromRecord(token string, print func(*registry.RunRecord)) error {
	reg := registry.Open(registry.DefaultDir)
	rec, ok, err := reg.FindRecord(token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no sandbox named %q is running", token)
	}
	print(rec)
	return nil
}
