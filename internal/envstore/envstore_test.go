package envstore

import (
	"reflect"
	"testing"
)

func TestApplySetOverwritesExisting(t *testing.T) {
	s := New()
	s.SetVar("PATH", "/usr/bin")

	got := Apply([]string{"PATH=/bin", "HOME=/home/u"}, s)
	want := []string{"PATH=/usr/bin", "HOME=/home/u"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Apply() = %v, want %v", got, want)
	}
}

func TestApplySetAppendsNew(t *testing.T) {
	s := New()
	s.SetVar("FOO", "bar")

	got := Apply([]string{"HOME=/home/u"}, s)
	want := []string{"HOME=/home/u", "FOO=bar"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Apply() = %v, want %v", got, want)
	}
}

func TestApplyUnsetRemoves(t *testing.T) {
	s := New()
	s.UnsetVar("SECRET")

	got := Apply([]string{"SECRET=xyz", "HOME=/home/u"}, s)
	want := []string{"HOME=/home/u"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Apply() = %v, want %v", got, want)
	}
}

func TestApplyOrderMatters(t *testing.T) {
	s := New()
	s.SetVar("FOO", "first")
	s.UnsetVar("FOO")
	s.SetVar("FOO", "second")

	got := Apply(nil, s)
	want := []string{"FOO=second"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Apply() = %v, want %v", got, want)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}
