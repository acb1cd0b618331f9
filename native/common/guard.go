package common

import (
	"errors"
	"strings"
	"sync"
)

// Module names understood by the pause guard.
const (
	ModuleMarket = "market"
	ModuleHelper = "helper"
	ModuleToken  = "token"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

// Guard returns ErrModulePaused when module is paused in p. A nil view never
// pauses anything.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is a concurrency-safe PauseView toggled by operators at runtime.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSet returns a set with the given modules paused.
func NewPauseSet(modules ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]bool)}
	for _, module := range modules {
		set.Set(module, true)
	}
	return set
}

func (s *PauseSet) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[normalizeModule(module)]
}

// Set pauses or resumes module.
func (s *PauseSet) Set(module string, paused bool) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	module = normalizeModule(module)
	if module == "" {
		return
	}
	if paused {
		s.paused[module] = true
		return
	}
	delete(s.paused, module)
}

func normalizeModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
