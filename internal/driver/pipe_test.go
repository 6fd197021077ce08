package driver

import (
	"testing"

	"github.com/boxjail/boxjail/internal/policy"
)

func TestRendezvousSignalWait(t *testing.T) {
	pp, err := newPipePair()
	if err != nil {
		t.Fatalf("newPipePair() error = %v", err)
	}
	defer pp.close()

	done := make(chan error, 1)
	go func() {
		done <- pp.WaitChild()
	}()

	if err := pp.childToParent.signal(); err != nil {
		t.Fatalf("signal() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("WaitChild() error = %v", err)
	}
}

func TestCloneFlagsAlwaysIncludesBaseTrio(t *testing.T) {
	flags := cloneFlags(policy.NamespaceSet{})
	const base = 0x00020000 | 0x20000000 | 0x04000000 // CLONE_NEWNS | CLONE_NEWPID | CLONE_NEWUTS
	if flags&base != base {
		t.Errorf("cloneFlags() = 0x%x, missing base namespace trio", flags)
	}
}
