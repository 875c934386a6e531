package cachetier

import (
	"errors"
	"testing"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestStreamRegistryCloseAll(t *testing.T) {
	reg := NewStreamRegistry()
	owner := new(int)

	closed := 0
	a := closerFunc(func() error { closed++; return nil })
	b := closerFunc(func() error { closed++; return errors.New("boom") })

	reg.Track(owner, a)
	reg.Track(owner, b)
	if got := reg.Count(owner); got != 2 {
		t.Fatalf("expected 2 tracked streams, got %d", got)
	}

	err := reg.CloseAll(owner)
	if err == nil {
		t.Fatal("expected CloseAll to surface the first error encountered")
	}
	if closed != 2 {
		t.Fatalf("expected both streams closed, got %d", closed)
	}
	if got := reg.Count(owner); got != 0 {
		t.Fatalf("expected no streams left after CloseAll, got %d", got)
	}
}

func TestStreamRegistryUntrack(t *testing.T) {
	reg := NewStreamRegistry()
	owner := new(int)
	a := closerFunc(func() error { return nil })

	reg.Track(owner, a)
	reg.Untrack(owner, a)
	if got := reg.Count(owner); got != 0 {
		t.Fatalf("expected 0 tracked streams after Untrack, got %d", got)
	}
}
