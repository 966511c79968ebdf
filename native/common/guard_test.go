package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauses(t *testing.T) {
	pauses := NewPauses("Lending")
	if err := Guard(pauses, "lending"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected paused error, got %v", err)
	}
	pauses.Set("lending", false)
	if err := Guard(pauses, "lending"); err != nil {
		t.Fatalf("expected resumed module, got %v", err)
	}
	if err := Guard(nil, "lending"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
}

func TestPausesList(t *testing.T) {
	pauses := NewPauses("vault", " lending ")
	got := pauses.List()
	if len(got) != 2 || got[0] != "lending" || got[1] != "vault" {
		t.Fatalf("unexpected paused list %v", got)
	}
}
