package driver

import (
	"fmt"
	"os"
)

// rendezvous is a single-byte signaling channel used to synchronize one
// phase boundary between parent and child during sandbox construction.
// A channel carries one direction only and is reused for every phase
// boundary in that direction: each byte is consumed by exactly one wait.
type rendezvous struct {
	r *os.File
	w *os.File
}

func newRendezvous() (*rendezvous, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("driver: create rendezvous pipe: %w", err)
	}
	return &rendezvous{r: r, w: w}, nil
}

func (p *rendezvous) signal() error {
	_, err := p.w.Write([]byte{1})
	if err != nil {
		return fmt.Errorf("driver: signal rendezvous: %w", err)
	}
	return nil
}

func (p *rendezvous) wait() error {
	buf := make([]byte, 1)
	n, err := p.r.Read(buf)
	if err != nil {
		return fmt.Errorf("driver: wait on rendezvous: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("driver: wait on rendezvous: short read")
	}
	return nil
}

func (p *rendezvous) close() {
	_ = p.r.Close()
	_ = p.w.Close()
}

// pipePair bundles the two rendezvous channels the construction protocol
// needs: one for parent->child signals, one for child->parent signals.
type pipePair struct {
	parentToChild *rendezvous
	childToParent *rendezvous
}

func newPipePair() (*pipePair, error) {
	p2c, err := newRendezvous()
	if err != nil {
		return nil, err
	}
	c2p, err := newRendezvous()
	if err != nil {
		p2c.close()
		return nil, err
	}
	return &pipePair{parentToChild: p2c, childToParent: c2p}, nil
}

func (pp *pipePair) close() {
	pp.parentToChild.close()
	pp.childToParent.close()
}

// SignalChild lets the parent release the child past a phase boundary.
func (pp *pipePair) SignalChild() error { return pp.parentToChild.signal() }

// WaitChild blocks the parent until the child signals a phase boundary.
func (pp *pipePair) WaitChild() error { return pp.childToParent.wait() }

// SignalParent lets the child notify the parent it reached a phase boundary.
func (pp *pipePair) SignalParent() error { return pp.childToParent.signal() }

// WaitParent blocks the child until the parent releases it.
func (pp *pipePair) WaitParent() error { return pp.parentToChild.wait() }
