// Package profile loads line-oriented directive files and applies them to
// a policy.Builder, following the same search order and inheritance model
// firejail profiles use: a profile may "include" a base profile, base
// chains are followed up to a fixed depth, and cycles are rejected.
package profile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/boxjail/boxjail/internal/envstore"
	"github.com/boxjail/boxjail/internal/policy"
)

const maxBaseDepth = 10

// SearchPaths returns the directories searched for a bare profile name,
// in priority order: the user's config dir first, then the system dir.
func SearchPaths(homeDir string) []string {
	return []string{
		filepath.Join(homeDir, ".config", "boxjail"),
		"/etc/boxjail",
	}
}

// DefaultProfileNames returns the fallback profile names tried, in order,
// when no explicit profile= directive was given: the invoking command's
// own name, then "default" (or "default-root" when running as root).
func DefaultProfileNames(command string, isRoot bool) []string {
	names := []string{command}
	if isRoot {
		names = append(names, "default-root")
	} else {
		names = append(names, "default")
	}
	return names
}

// Resolve locates a profile by name or path. A name containing a path
// separator is used as-is; otherwise each SearchPaths directory is tried
// in order with a ".profile" suffix.
func Resolve(name string, homeDir string) (string, error) {
	if strings.ContainsRune(name, filepath.Separator) {
		return name, nil
	}
	for _, dir := range SearchPaths(homeDir) {
		p := filepath.Join(dir, name+".profile")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("profile: %q not found in %v", name, SearchPaths(homeDir))
}

// Load reads the profile at path, following "include" directives up to
// maxBaseDepth nested levels, and applies every directive to b in file
// order; an included profile's directives are applied at the point of its
// include line. An include target is looked up through Resolve, then as a
// file name next to the including profile. A directive that
// textually matches a previously-declared "ignore" pattern is silently
// dropped rather than applied.
func Load(path string, homeDir string, b *policy.Builder, env *envstore.Store) error {
	st := &loadState{seen: map[string]bool{}}
	return st.load(path, homeDir, b, env)
}

type loadState struct {
	seen    map[string]bool
	ignored []string
}

func (st *loadState) load(path string, homeDir string, b *policy.Builder, env *envstore.Store) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("profile: resolve path %s: %w", path, err)
	}
	if st.seen[abs] {
		return fmt.Errorf("profile: include cycle detected at %s", abs)
	}
	if len(st.seen) >= maxBaseDepth {
		return fmt.Errorf("profile: include depth exceeds %d", maxBaseDepth)
	}
	st.seen[abs] = true
	defer delete(st.seen, abs)

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("profile: open %s: %w", abs, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		if name == "include" {
			target := expandHome(arg, homeDir)
			incPath, rerr := Resolve(target, homeDir)
			if rerr != nil {
				local := filepath.Join(filepath.Dir(abs), target)
				if _, serr := os.Stat(local); serr != nil {
					return rerr
				}
				incPath = local
			}
			if rerr := st.load(incPath, homeDir, b, env); rerr != nil {
				return rerr
			}
			continue
		}

		if name == "ignore" {
			if err := b.AddIgnorePattern(arg); err != nil {
				return fmt.Errorf("profile: %s: %w", abs, err)
			}
			st.ignored = append(st.ignored, arg)
			continue
		}

		if st.matchesIgnore(line) {
			continue
		}

		if err := st.applyDirective(name, arg, homeDir, b, env); err != nil {
			return fmt.Errorf("profile: %s: %w", abs, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("profile: read %s: %w", abs, err)
	}
	return nil
}

// matchesIgnore reports whether line textually matches any pattern
// declared by an earlier "ignore" directive.
func (st *loadState) matchesIgnore(line string) bool {
	for _, pat := range st.ignored {
		if strings.Contains(line, pat) {
			return true
		}
	}
	return false
}

// applyDirective dispatches one directive to the builder, mirroring the
// same grammar as the command-line --name=value surface with the leading
// "--" removed (see cmd/boxjail's applyTokens for the CLI-side twin of
// this dispatch table).
func (st *loadState) applyDirective(name, arg, homeDir string, b *policy.Builder, env *envstore.Store) error {
	arg = expandHome(arg, homeDir)

	switch name {
	case "noprofile":
		return b.SetNoProfile()
	case "env":
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("env requires KEY=VALUE, got %q", arg)
		}
		env.SetVar(k, v)
	case "rmenv":
		env.UnsetVar(arg)
	case "hostname":
		b.SetHostname(arg)
	case "name":
		b.SetName(arg)
	case "private-tmp":
		h := currentHardening(b)
		h.PrivateTmp = true
		b.SetHardening(h)
		b.AddFS(policy.FSDirective{Kind: policy.FSTmpfs, Path: "/tmp"})
	case "private-dev":
		h := currentHardening(b)
		h.PrivateDev = true
		b.SetHardening(h)
	case "private-cache":
		h := currentHardening(b)
		h.PrivateCache = true
		b.SetHardening(h)
	case "blacklist":
		b.AddFS(policy.FSDirective{Kind: policy.FSBlacklist, Path: arg})
	case "noblacklist":
		b.AddFS(policy.FSDirective{Kind: policy.FSNoBlacklist, Path: arg})
	case "whitelist":
		b.AddFS(policy.FSDirective{Kind: policy.FSWhitelist, Path: arg})
	case "nowhitelist":
		b.AddFS(policy.FSDirective{Kind: policy.FSNoWhitelist, Path: arg})
	case "read-only":
		b.AddFS(policy.FSDirective{Kind: policy.FSReadOnly, Path: arg})
	case "read-write":
		b.AddFS(policy.FSDirective{Kind: policy.FSReadWrite, Path: arg})
	case "noexec":
		b.AddFS(policy.FSDirective{Kind: policy.FSNoExec, Path: arg})
	case "bind":
		src, dst, ok := strings.Cut(arg, ",")
		if !ok {
			return fmt.Errorf("bind requires SRC,DST, got %q", arg)
		}
		b.AddFS(policy.FSDirective{Kind: policy.FSBind, Path: src, Dest: dst})
	case "tmpfs":
		b.AddFS(policy.FSDirective{Kind: policy.FSTmpfs, Path: arg})
	case "caps.drop":
		b.SetCaps(policy.CapDropList, splitCommaList(arg))
	case "caps.keep":
		b.SetCaps(policy.CapKeepList, splitCommaList(arg))
	case "caps.drop-all", "caps.drop_all":
		b.SetCaps(policy.CapDropAll, nil)
	case "protocol":
		b.SetProtocols(splitCommaList(arg))
	case "seccomp":
		return b.SetSeccompIntent(arg, nil, nil)
	case "seccomp.drop":
		return b.SetSeccompIntent("", splitCommaList(arg), nil)
	case "seccomp.keep":
		return b.SetSeccompIntent("", nil, splitCommaList(arg))
	case "net":
		if arg == "none" {
			b.SetNetNone()
			return nil
		}
		return b.AddBridge(arg)
	case "interface":
		return b.AddInterface(arg)
	case "ip":
		return b.SetBridgeIP(arg, arg == "none")
	case "ip6":
		return b.SetBridgeIPv6(arg)
	case "mac":
		return b.SetBridgeMac(arg)
	case "mtu":
		if _, err := strconv.Atoi(arg); err != nil {
			return fmt.Errorf("invalid mtu %q", arg)
		}
		b.SetMTU(arg)
	case "iprange":
		b.SetIPRange(arg)
	case "defaultgw":
		b.SetDefaultGateway(arg)
	case "dns":
		return b.AddDNS(arg)
	case "netfilter":
		return b.SetNetfilter(arg)
	case "netfilter6":
		return b.SetNetfilterV6(arg)
	case "veth-name":
		b.SetVethName(arg)
	case "scan":
		b.SetScan()
	case "netns":
		return b.SetNetnsJoin(arg)
	case "shell":
		if arg == "none" {
			return b.SetShellNone()
		}
		return b.SetShellPath(arg)
	case "timeout":
		secs, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid timeout %q", arg)
		}
		b.SetTimeout(time.Duration(secs) * time.Second)
	case "noroot":
		h := currentHardening(b)
		h.Noroot = true
		b.SetHardening(h)
	case "nogroups":
		h := currentHardening(b)
		h.NoGroups = true
		b.SetHardening(h)
	case "nonewprivs":
		h := currentHardening(b)
		h.NoNewPrivs = true
		b.SetHardening(h)
	case "apparmor":
		h := currentHardening(b)
		h.AppArmor = true
		b.SetHardening(h)
	case "appimage":
		h := currentHardening(b)
		h.AppImage = true
		b.SetHardening(h)
	case "keep-var-tmp":
		h := currentHardening(b)
		h.KeepVarTmp = true
		b.SetHardening(h)
	case "memory-deny-write-execute":
		h := currentHardening(b)
		h.MemoryDenyWriteExecute = true
		b.SetHardening(h)
	case "writable-etc":
		h := currentHardening(b)
		h.WritableEtc = true
		b.SetHardening(h)
	case "writable-var":
		h := currentHardening(b)
		h.WritableVar = true
		b.SetHardening(h)
	case "writable-var-log":
		h := currentHardening(b)
		h.WritableVarLog = true
		b.SetHardening(h)
	case "writable-run-user":
		h := currentHardening(b)
		h.WritableRunUser = true
		b.SetHardening(h)
	case "private":
		h := currentHardening(b)
		h.Private = true
		h.PrivateDir = arg
		b.SetHardening(h)
	case "disable-mnt":
		// Recorded as a no-op marker: materializing the /mnt/ /media/ /run/mount
		// denial is part of the excluded low-level filesystem assembly.
	default:
		return fmt.Errorf("unrecognized directive %q", name)
	}
	return nil
}

// currentHardening reads the Builder's accumulated Hardening so a
// directive that toggles one field can read-modify-write it without
// clobbering fields set by an earlier directive in the same load.
func currentHardening(b *policy.Builder) policy.Hardening {
	return b.Hardening()
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func expandHome(s, homeDir string) string {
	s = strings.ReplaceAll(s, "${HOME}", homeDir)
	if s == "~" {
		return homeDir
	}
	if strings.HasPrefix(s, "~/") {
		return filepath.Join(homeDir, s[2:])
	}
	return s
}
