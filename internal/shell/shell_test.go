package shell

import "testing"

func TestResolveDisabledReturnsNone(t *testing.T) {
	got, err := Resolve(true, nil, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != None {
		t.Errorf("Resolve() = %q, want None", got)
	}
}

func TestResolvePrefersShellEnv(t *testing.T) {
	getenv := func(k string) string {
		if k == "SHELL" {
			return "/opt/custom/shell"
		}
		return ""
	}
	access := func(p string) bool { return p == "/opt/custom/shell" }

	got, err := Resolve(false, getenv, access)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "/opt/custom/shell" {
		t.Errorf("Resolve() = %q, want /opt/custom/shell", got)
	}
}

func TestResolveFallsBackWhenShellUnreadable(t *testing.T) {
	getenv := func(k string) string {
		if k == "SHELL" {
			return "/opt/custom/shell"
		}
		return ""
	}
	access := func(p string) bool { return p == "/bin/sh" }

	got, err := Resolve(false, getenv, access)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "/bin/sh" {
		t.Errorf("Resolve() = %q, want /bin/sh", got)
	}
}

func TestResolveNoneUsable(t *testing.T) {
	getenv := func(string) string { return "" }
	access := func(string) bool { return false }

	if _, err := Resolve(false, getenv, access); err == nil {
		t.Error("Resolve() error = nil, want error")
	}
}
