// Package memory provides in-memory implementations of outbound ports
// for development and testing. Production deployments use the shared
// Redis store so state is visible across replicas.
package memory

import (
	"context"
	"sync"

	"github.com/agentgate/agentgate/internal/domain/killswitch"
)

// KillSwitchStore is a process-local killswitch.Store.
type KillSwitchStore struct {
	mu    sync.RWMutex
	flags map[string]killswitch.State
}

// NewKillSwitchStore creates an empty in-memory store.
func NewKillSwitchStore() *KillSwitchStore {
	return &KillSwitchStore{flags: make(map[string]killswitch.State)}
}

func key(scope killswitch.Scope, target string) string {
	return string(scope) + ":" + target
}

// Set writes the flag for one scope target.
func (s *KillSwitchStore) Set(_ context.Context, scope killswitch.Scope, target string, state killswitch.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key(scope, target)] = state
	return nil
}

// Get reads the flag for one scope target.
func (s *KillSwitchStore) Get(_ context.Context, scope killswitch.Scope, target string) (killswitch.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[key(scope, target)], nil
}

// CheckAll reads the three request-relevant scopes.
func (s *KillSwitchStore) CheckAll(_ context.Context, sessionID, toolName string) (killswitch.Check, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return killswitch.Check{
		Global:  s.flags[key(killswitch.ScopeGlobal, "")],
		Tool:    s.flags[key(killswitch.ScopeTool, toolName)],
		Session: s.flags[key(killswitch.ScopeSession, sessionID)],
	}, nil
}

var _ killswitch.Store = (*KillSwitchStore)(nil)
