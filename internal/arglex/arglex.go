// Package arglex tokenizes the launcher's command line. It mirrors the
// classic firejail argument loop: a manual left-to-right scan rather than
// a flag-library parser, because the grammar mixes bare flags, valued
// flags, query-and-exit commands, and a free-form program vector that
// begins at the first non-flag token.
package arglex

import (
	"fmt"
	"strings"
)

// Kind classifies a single token.
type Kind int

const (
	// FlagBare is a flag with no value, e.g. --noprofile.
	FlagBare Kind = iota
	// FlagValued is a --name=value flag.
	FlagValued
	// ShortCommand is a query-and-exit command, e.g. --help, --version.
	ShortCommand
	// Terminator is the literal "--" that ends option parsing early.
	Terminator
)

// Token is one classified argument.
type Token struct {
	Kind  Kind
	Name  string
	Value string
}

// queryAndExit lists flags that print something and exit without building
// a sandbox.
var queryAndExit = map[string]bool{
	"--help":            true,
	"--version":         true,
	"--debug-caps":      true,
	"--debug-syscalls":  true,
	"--debug-errnos":    true,
	"--debug-protocols": true,
}

// printPrefixes covers the --x.print= family, where the prefix
// before '=' determines the command and the suffix (possibly empty) is an
// argument to it, e.g. --profile.print=, --caps.print=, --apparmor.print=.
var printPrefixes = []string{
	"--profile.print=",
	"--caps.print=",
	"--apparmor.print=",
	"--fs.print=",
	"--seccomp.print=",
	"--dns.print=",
}

// bareFlags lists every recognized flag with no value. Anything starting
// with "-" that isn't in this set, in valuedFlags, in queryAndExit, or
// matched by a print prefix is an unrecognized flag and is fatal.
var bareFlags = map[string]bool{
	"--noprofile":                 true,
	"--ipc":                       true,
	"--caps.drop-all":             true,
	"--seccomp":                   true,
	"--apparmor":                  true,
	"--appimage":                  true,
	"--nonewprivs":                true,
	"--noroot":                    true,
	"--nogroups":                  true,
	"--private":                   true,
	"--private-dev":               true,
	"--private-tmp":               true,
	"--private-cache":             true,
	"--writable-etc":               true,
	"--writable-var":               true,
	"--writable-var-log":           true,
	"--writable-run-user":          true,
	"--keep-var-tmp":               true,
	"--memory-deny-write-execute":  true,
	"--scan":                       true,
	"--disable-mnt":                true,
	"-c":                           true,
}

// valuedFlags lists every recognized "--name=value" flag.
var valuedFlags = map[string]bool{
	"--profile":       true,
	"--hostname":      true,
	"--name":          true,
	"--netns":         true,
	"--caps.keep":     true,
	"--caps.drop":     true,
	"--seccomp":       true,
	"--seccomp.drop":  true,
	"--seccomp.keep":  true,
	"--net":           true,
	"--blacklist":     true,
	"--noblacklist":   true,
	"--whitelist":     true,
	"--nowhitelist":   true,
	"--read-only":     true,
	"--read-write":    true,
	"--noexec":        true,
	"--bind":          true,
	"--tmpfs":         true,
	"--protocol":      true,
	"--interface":     true,
	"--ip":            true,
	"--ip6":           true,
	"--mac":           true,
	"--mtu":           true,
	"--iprange":       true,
	"--defaultgw":     true,
	"--dns":           true,
	"--netfilter":     true,
	"--netfilter6":    true,
	"--veth-name":     true,
	"--shell":         true,
	"--timeout":       true,
	"--env":           true,
	"--rmenv":         true,
	"--private":       true,
}

// Result is the outcome of lexing argv.
type Result struct {
	Tokens  []Token
	Program []string // the program vector: the first non-flag token onward
}

// Lex tokenizes argv (not including argv[0]). A bare token that does not
// begin with "-" ends option parsing; it and everything after it becomes
// the program vector. A literal "--" also ends option parsing but is
// itself consumed rather than included in the program vector. Any token
// that begins with "-" and is not a recognized flag, query-and-exit
// command, or print-prefixed command is a fatal error.
func Lex(argv []string) (Result, error) {
	var res Result

	for i := 0; i < len(argv); i++ {
		a := argv[i]

		if a == "--" {
			res.Tokens = append(res.Tokens, Token{Kind: Terminator})
			res.Program = append([]string{}, argv[i+1:]...)
			return res, nil
		}

		if len(a) == 0 || a[0] != '-' {
			res.Program = append([]string{}, argv[i:]...)
			return res, nil
		}

		if queryAndExit[a] {
			res.Tokens = append(res.Tokens, Token{Kind: ShortCommand, Name: a})
			continue
		}

		if name, ok := matchPrintPrefix(a); ok {
			res.Tokens = append(res.Tokens, Token{Kind: ShortCommand, Name: name, Value: strings.TrimPrefix(a, name)})
			continue
		}

		if eq := strings.IndexByte(a, '='); eq >= 0 {
			name := a[:eq]
			if !valuedFlags[name] {
				return Result{}, fmt.Errorf("unknown flag %q", name)
			}
			res.Tokens = append(res.Tokens, Token{Kind: FlagValued, Name: name, Value: a[eq+1:]})
			continue
		}

		if !bareFlags[a] {
			return Result{}, fmt.Errorf("unknown flag %q", a)
		}
		res.Tokens = append(res.Tokens, Token{Kind: FlagBare, Name: a})
	}

	return res, nil
}

func matchPrintPrefix(a string) (prefix string, ok bool) {
	for _, p := range printPrefixes {
		if strings.HasPrefix(a, p) {
			return p, true
		}
	}
	return "", false
}

// IsQueryAndExit reports whether tok represents a command that should
// short-circuit sandbox construction entirely.
func IsQueryAndExit(tok Token) bool {
	return tok.Kind == ShortCommand
}
