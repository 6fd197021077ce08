package profile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/boxjail/boxjail/internal/envstore"
	"github.com/boxjail/boxjail/internal/policy"
)

func writeProfile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return p
}

func TestLoadAppliesDirectives(t *testing.T) {
	dir := t.TempDir()
	p := writeProfile(t, dir, "work.profile", "hostname work\nblacklist /etc/shadow\ncaps.drop-all\n")

	b := policy.NewBuilder(false).SetProgram([]string{"bash"})
	if err := Load(p, dir, b, envstore.New()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	pol, err := b.Freeze()
	if err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	if pol.Hostname != "work" {
		t.Errorf("Hostname = %q, want work", pol.Hostname)
	}
	if pol.CapMode != policy.CapDropAll {
		t.Errorf("CapMode = %v, want CapDropAll", pol.CapMode)
	}
	if len(pol.FS) != 1 || pol.FS[0].Path != "/etc/shadow" {
		t.Errorf("FS = %+v, want one blacklist directive", pol.FS)
	}
}

func TestLoadFollowsInclude(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "base.profile", "hostname base\n")
	child := writeProfile(t, dir, "child.profile", "include base.profile\nhostname child\n")

	b := policy.NewBuilder(false).SetProgram([]string{"bash"})
	if err := Load(child, dir, b, envstore.New()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	pol, err := b.Freeze()
	if err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	if pol.Hostname != "child" {
		t.Errorf("Hostname = %q, want child (later directive should win)", pol.Hostname)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "a.profile", "include b.profile\n")
	bPath := writeProfile(t, dir, "b.profile", "include a.profile\n")

	b := policy.NewBuilder(false).SetProgram([]string{"bash"})
	if err := Load(bPath, dir, b, envstore.New()); err == nil {
		t.Fatal("Load() error = nil, want include cycle error")
	}
}

func TestLoadRejectsUnrecognizedDirective(t *testing.T) {
	dir := t.TempDir()
	p := writeProfile(t, dir, "bad.profile", "not-a-real-directive foo\n")

	b := policy.NewBuilder(false).SetProgram([]string{"bash"})
	if err := Load(p, dir, b, envstore.New()); err == nil {
		t.Fatal("Load() error = nil, want error for unrecognized directive")
	}
}

func TestLoadIgnoreSuppressesMatchingDirective(t *testing.T) {
	dir := t.TempDir()
	p := writeProfile(t, dir, "work.profile", "ignore blacklist /etc/shadow\nblacklist /etc/shadow\nhostname work\n")

	b := policy.NewBuilder(false).SetProgram([]string{"bash"})
	if err := Load(p, dir, b, envstore.New()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	pol, err := b.Freeze()
	if err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	if len(pol.FS) != 0 {
		t.Errorf("FS = %+v, want the blacklist directive suppressed by ignore", pol.FS)
	}
}

func TestLoadEnvDirectivesFeedEnvStore(t *testing.T) {
	dir := t.TempDir()
	p := writeProfile(t, dir, "work.profile", "env FOO=bar\nrmenv PATH\n")

	b := policy.NewBuilder(false).SetProgram([]string{"bash"})
	env := envstore.New()
	if err := Load(p, dir, b, env); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if env.Len() != 2 {
		t.Errorf("env.Len() = %d, want 2", env.Len())
	}
}

func TestExpandHomeTilde(t *testing.T) {
	if got := expandHome("~/ssh", "/home/u"); got != "/home/u/ssh" {
		t.Errorf("expandHome(~/ssh) = %q, want /home/u/ssh", got)
	}
	if got := expandHome("${HOME}/x", "/home/u"); got != "/home/u/x" {
		t.Errorf("expandHome(${HOME}/x) = %q, want /home/u/x", got)
	}
}
