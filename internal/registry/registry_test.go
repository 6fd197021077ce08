package registry

import (
	"os"
	"strconv"
	"testing"
)

func TestRegisterAndFindByName(t *testing.T) {
	dir := t.TempDir()
	r := Open(dir)
	if err := r.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if _, err := r.Register(os.Getpid(), RunRecord{Name: "work", ProfilePath: "/etc/boxjail/work.profile"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	pid, ok, err := r.FindByName("work")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if !ok || pid != os.Getpid() {
		t.Errorf("FindByName() = (%d, %v), want (%d, true)", pid, ok, os.Getpid())
	}
}

func TestFindByNameMiss(t *testing.T) {
	dir := t.TempDir()
	r := Open(dir)
	if err := r.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	_, ok, err := r.FindByName("nope")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if ok {
		t.Error("FindByName() ok = true, want false")
	}
}

func TestDeleteRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	r := Open(dir)
	if err := r.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := r.Register(os.Getpid(), RunRecord{Name: "work"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Delete(os.Getpid()); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	_, ok, err := r.FindByName("work")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if ok {
		t.Error("record still present after Delete()")
	}
}

func TestSweepDeadSuppressedInsideFirejail(t *testing.T) {
	dir := t.TempDir()
	r := Open(dir)
	if err := r.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	// A record for a pid that can never be alive.
	if _, err := r.Register(1<<30, RunRecord{Name: "ghost"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	getenv := func(k string) string {
		if k == "container" {
			return "firejail"
		}
		return ""
	}
	if err := r.SweepDead(getenv); err != nil {
		t.Fatalf("SweepDead() error = %v", err)
	}

	_, ok, err := r.FindByName("ghost")
	if err != nil {
		t.Fatalf("FindByName() error = %v", err)
	}
	if !ok {
		t.Error("SweepDead() removed a record while inside a firejail container env")
	}
}

func TestFindRecordByPID(t *testing.T) {
	dir := t.TempDir()
	r := Open(dir)
	if err := r.Build(); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if _, err := r.Register(os.Getpid(), RunRecord{
		Name:          "work",
		ProfilePath:   "/etc/boxjail/work.profile",
		SeccompFilter: "/tmp/work.bpf",
		Caps:          []string{"cap_chown"},
		DNS:           []string{"1.1.1.1"},
		FSDirectives:  3,
	}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	rec, ok, err := r.FindRecord(strconv.Itoa(os.Getpid()))
	if err != nil {
		t.Fatalf("FindRecord() error = %v", err)
	}
	if !ok {
		t.Fatal("FindRecord() ok = false, want true")
	}
	if rec.ProfilePath != "/etc/boxjail/work.profile" {
		t.Errorf("ProfilePath = %q, want /etc/boxjail/work.profile", rec.ProfilePath)
	}
	if rec.FSDirectives != 3 {
		t.Errorf("FSDirectives = %d, want 3", rec.FSDirectives)
	}
}
