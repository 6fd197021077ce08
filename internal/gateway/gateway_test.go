package gateway

import (
	"context"
	"testing"

	"github.com/boxjail/boxjail/internal/identity"
)

func TestSpawnAssertsIdentity(t *testing.T) {
	gate := identity.New()

	// The test process is not root, so a root-identity spawn must fail
	// fast rather than attempt to exec anything.
	_, err := Spawn(context.Background(), gate, "/bin/true", nil, NetworkWorker)
	if err == nil {
		t.Fatal("Spawn() error = nil, want error when not running as root")
	}
}

func TestSpawnUserIdentitySucceedsToConstructCmd(t *testing.T) {
	gate := identity.New()

	cmd, err := Spawn(context.Background(), gate, "/bin/true", nil, FilterBuilder)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if cmd.Path == "" {
		t.Error("Spawn() returned cmd with empty Path")
	}
}

func TestValidateBridgeRejectsNonexistentLink(t *testing.T) {
	if err := ValidateBridge("boxjail-nonexistent-test-link0"); err == nil {
		t.Fatal("ValidateBridge() error = nil, want error for a link that does not exist")
	}
}

func TestSpawnNonRootIdentitySetsCredentialToRealUser(t *testing.T) {
	gate := identity.New()

	cmd, err := Spawn(context.Background(), gate, "/bin/true", nil, FilterBuilder)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if cmd.SysProcAttr.Credential == nil {
		t.Fatal("Spawn() left Credential nil, want it set to the gate's real uid/gid")
	}
	if got := int(cmd.SysProcAttr.Credential.Uid); got != gate.RealUID() {
		t.Errorf("Credential.Uid = %d, want %d", got, gate.RealUID())
	}
	if got := int(cmd.SysProcAttr.Credential.Gid); got != gate.RealGID() {
		t.Errorf("Credential.Gid = %d, want %d", got, gate.RealGID())
	}
}
