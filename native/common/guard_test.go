package common

import (
	"errors"
	"testing"
)

func TestGuardNilViewAllowsEverything(t *testing.T) {
	if err := Guard(nil, ModuleMarket); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPauseSetToggles(t *testing.T) {
	set := NewPauseSet(" Market ")
	if err := Guard(set, ModuleMarket); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(set, ModuleHelper); err != nil {
		t.Fatalf("helper should not be paused: %v", err)
	}

	set.Set(ModuleMarket, false)
	if err := Guard(set, ModuleMarket); err != nil {
		t.Fatalf("expected market resumed, got %v", err)
	}
}
