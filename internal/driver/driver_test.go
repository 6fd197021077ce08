package driver

import (
	"context"
	"testing"

	"github.com/boxjail/boxjail/internal/policy"
)

func TestRunRendezvousSkipsUsernsWhenJoiningExternalNetns(t *testing.T) {
	pp, err := newPipePair()
	if err != nil {
		t.Fatalf("newPipePair() error = %v", err)
	}
	defer pp.close()

	d := &Driver{Policy: policy.Policy{Namespace: policy.NamespaceSet{NetnsJoin: "ext0"}}}

	childDone := make(chan error, 1)
	go func() {
		// Act as the child: two RELEASE waits, no WAIT-USERNS signal.
		if err := pp.WaitParent(); err != nil {
			childDone <- err
			return
		}
		childDone <- pp.WaitParent()
	}()

	if err := d.runRendezvous(context.Background(), 0, pp); err != nil {
		t.Fatalf("runRendezvous() error = %v", err)
	}
	if err := <-childDone; err != nil {
		t.Errorf("child side error = %v", err)
	}
}

func TestCloneFlagsNetJoinDoesNotSetNewnet(t *testing.T) {
	const cloneNewnet = 0x40000000
	flags := cloneFlags(policy.NamespaceSet{Net: true, NetnsJoin: "ext0"})
	if flags&cloneNewnet != 0 {
		t.Error("cloneFlags() set CLONE_NEWNET while joining an external netns")
	}
}
