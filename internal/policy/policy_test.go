package policy

import (
	"errors"
	"testing"
)

func TestFreezeRequiresProgram(t *testing.T) {
	_, err := NewBuilder(false).Freeze()
	if err == nil {
		t.Fatal("Freeze() error = nil, want error for missing program")
	}
}

func TestFreezeAcceptsValidPolicy(t *testing.T) {
	p, err := NewBuilder(false).
		SetProgram([]string{"bash", "-c", "echo hi"}).
		SetNamespace(NamespaceSet{IPC: true}).
		SetCaps(CapDefaultFilter, nil).
		Freeze()
	if err != nil {
		t.Fatalf("Freeze() error = %v", err)
	}
	if len(p.Program) != 3 {
		t.Errorf("Program = %v, want 3 elements", p.Program)
	}
}

func TestSetProfileAndNoProfileAreMutuallyExclusive(t *testing.T) {
	b := NewBuilder(false)
	if err := b.SetNoProfile(); err != nil {
		t.Fatalf("SetNoProfile() error = %v", err)
	}
	if err := b.SetProfile(); err == nil {
		t.Fatal("SetProfile() error = nil, want error after SetNoProfile")
	}
}

func TestShellNoneWithNoProgramIsScenario2(t *testing.T) {
	b := NewBuilder(false)
	if err := b.SetShellNone(); err != nil {
		t.Fatalf("SetShellNone() error = %v", err)
	}
	_, err := b.Freeze()
	if err == nil {
		t.Fatal("Freeze() error = nil, want error for shell=none with no program")
	}
	if got, want := err.Error(), "shell=none configured, but no program specified"; got != want {
		t.Errorf("Freeze() error = %q, want %q", got, want)
	}
}

func TestShellNoneAndShellPathAreMutuallyExclusive(t *testing.T) {
	b := NewBuilder(false)
	if err := b.SetShellPath("/bin/zsh"); err != nil {
		t.Fatalf("SetShellPath() error = %v", err)
	}
	if err := b.SetShellNone(); err == nil {
		t.Fatal("SetShellNone() error = nil, want error after SetShellPath")
	}
}

func TestSeccompSettableOnlyOnce(t *testing.T) {
	b := NewBuilder(false).SetProgram([]string{"bash"})
	if err := b.SetSeccompIntent("", []string{"chmod"}, nil); err != nil {
		t.Fatalf("SetSeccompIntent() error = %v", err)
	}
	err := b.SetSeccompIntent("", nil, []string{"read"})
	if err == nil {
		t.Fatal("SetSeccompIntent() error = nil, want scenario 3's error")
	}
	if got, want := err.Error(), "seccomp already enabled"; got != want {
		t.Errorf("SetSeccompIntent() error = %q, want %q", got, want)
	}
}

func TestNetNoneThenInterfaceIsScenario4(t *testing.T) {
	b := NewBuilder(true).SetProgram([]string{"bash"})
	b.SetNetNone()
	err := b.AddInterface("eth0")
	if err == nil {
		t.Fatal("AddInterface() error = nil, want scenario 4's error")
	}
	if got, want := err.Error(), "--net=none and --interface are incompatible"; got != want {
		t.Errorf("AddInterface() error = %q, want %q", got, want)
	}
}

func TestFifthDNSServerIsScenario5(t *testing.T) {
	b := NewBuilder(false)
	for _, addr := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"} {
		if err := b.AddDNS(addr); err != nil {
			t.Fatalf("AddDNS(%s) error = %v", addr, err)
		}
	}
	err := b.AddDNS("5.5.5.5")
	if err == nil {
		t.Fatal("AddDNS() error = nil, want scenario 5's error")
	}
	if got, want := err.Error(), "up to 4 DNS servers can be specified"; got != want {
		t.Errorf("AddDNS() error = %q, want %q", got, want)
	}
}

func TestNetfilterRequiresRootIsScenario6(t *testing.T) {
	b := NewBuilder(false)
	err := b.SetNetfilter("/etc/boxjail/netfilter.rules")
	if err == nil {
		t.Fatal("SetNetfilter() error = nil, want AuthError for non-root")
	}
	if got, want := err.Error(), "--netfilter is only allowed for root"; got != want {
		t.Errorf("SetNetfilter() error = %q, want %q", got, want)
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("SetNetfilter() error type = %T, want *AuthError", err)
	}
}

func TestInterfaceRequiresRootRegardlessOfNetNone(t *testing.T) {
	b := NewBuilder(false)
	if err := b.AddInterface("eth0"); err == nil {
		t.Fatal("AddInterface() error = nil, want AuthError for non-root")
	}
}

func TestBridgeSecondIPAssignmentIsRejected(t *testing.T) {
	b := NewBuilder(false)
	if err := b.AddBridge("eth0"); err != nil {
		t.Fatalf("AddBridge() error = %v", err)
	}
	if err := b.SetBridgeIP("10.0.0.2", false); err != nil {
		t.Fatalf("SetBridgeIP() error = %v", err)
	}
	if err := b.SetBridgeIP("10.0.0.3", false); err == nil {
		t.Fatal("SetBridgeIP() error = nil, want error for a second IP assignment")
	}
}

func TestFifthBridgeExceedsCapacity(t *testing.T) {
	b := NewBuilder(false)
	for _, name := range []string{"br0", "br1", "br2", "br3"} {
		if err := b.AddBridge(name); err != nil {
			t.Fatalf("AddBridge(%s) error = %v", name, err)
		}
	}
	if err := b.AddBridge("br4"); err == nil {
		t.Fatal("AddBridge() error = nil, want capacity error for a 5th bridge")
	}
}

func TestResolveCapabilitiesPrecedence(t *testing.T) {
	// drop-all wins over everything else regardless of names given.
	caps, err := ResolveCapabilities(CapDropAll, []string{"cap_chown"})
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}
	if len(caps) != 0 {
		t.Errorf("ResolveCapabilities(CapDropAll) = %v, want empty", caps)
	}
}

func TestResolveCapabilitiesKeepList(t *testing.T) {
	caps, err := ResolveCapabilities(CapKeepList, []string{"cap_chown", "cap_setuid"})
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}
	if len(caps) != 2 {
		t.Errorf("ResolveCapabilities(CapKeepList) = %v, want [cap_chown cap_setuid]", caps)
	}
}

func TestResolveCapabilitiesDefaultFilterDropsSysAdmin(t *testing.T) {
	caps, err := ResolveCapabilities(CapDefaultFilter, nil)
	if err != nil {
		t.Fatalf("ResolveCapabilities() error = %v", err)
	}
	for _, c := range caps {
		if c == "cap_sys_admin" {
			t.Error("ResolveCapabilities(CapDefaultFilter) kept cap_sys_admin, want dropped")
		}
	}
}

func TestResolveCapabilitiesUnknownName(t *testing.T) {
	_, err := ResolveCapabilities(CapKeepList, []string{"cap_not_a_real_capability"})
	if err == nil {
		t.Fatal("ResolveCapabilities() error = nil, want error for unknown capability")
	}
}
