// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/vivarium/pkg/artifact"
)

// Manager is a registry of loops keyed by principal ID.
type Manager struct {
	mu    sync.RWMutex
	loops map[string]*Loop
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{loops: make(map[string]*Loop)}
}

// Add registers a loop. IDs are unique.
func (m *Manager) Add(l *Loop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.loops[l.ID()]; exists {
		return fmt.Errorf("loop %q already registered", l.ID())
	}
	m.loops[l.ID()] = l
	return nil
}

// Get returns a loop by ID.
func (m *Manager) Get(id string) (*Loop, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loops[id]
	return l, ok
}

// Remove unregisters a stopped loop. Running loops must be stopped
// first.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loops[id]
	if !ok {
		return fmt.Errorf("loop %q not registered", id)
	}
	if state := l.State(); state != StateStopped {
		return fmt.Errorf("cannot remove loop %q while %s; stop it first", id, state)
	}
	delete(m.loops, id)
	return nil
}

// StartAll starts every registered loop.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, l := range m.snapshot() {
		if err := l.Start(ctx); err != nil {
			return fmt.Errorf("failed to start loop %q: %w", l.ID(), err)
		}
	}
	return nil
}

// StopAll stops every loop, each bounded by timeout.
func (m *Manager) StopAll(timeout time.Duration) error {
	var g errgroup.Group
	for _, l := range m.snapshot() {
		g.Go(func() error {
			return l.Stop(timeout)
		})
	}
	return g.Wait()
}

// RunningCount reports how many loops are in a non-terminal state.
func (m *Manager) RunningCount() int {
	count := 0
	for _, l := range m.snapshot() {
		if l.State() != StateStopped {
			count++
		}
	}
	return count
}

// LoopCount reports how many loops are registered.
func (m *Manager) LoopCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loops)
}

// GetAllStates returns a snapshot of every loop, ordered by ID.
func (m *Manager) GetAllStates() []Snapshot {
	loops := m.snapshot()
	out := make([]Snapshot, 0, len(loops))
	for _, l := range loops {
		out = append(out, l.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) snapshot() []*Loop {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Loop, 0, len(m.loops))
	for _, l := range m.loops {
		out = append(out, l)
	}
	return out
}

// LoopFactory builds the loop for a discovered artifact.
type LoopFactory func(id string) (*Loop, error)

// DiscoverLoops scans the store for live artifacts with has_loop set and
// non-empty code, registering a loop for each new one. Artifacts flagged
// has_loop but carrying no code are file-backed agents managed
// elsewhere; they are skipped. Returns the IDs registered.
func (m *Manager) DiscoverLoops(store *artifact.Store, factory LoopFactory) ([]string, error) {
	var registered []string
	for _, a := range store.List() {
		if !a.HasLoop {
			continue
		}
		if a.Code == "" {
			slog.Debug("Skipping loop artifact without code", "artifact", a.ID)
			continue
		}
		if _, exists := m.Get(a.ID); exists {
			continue
		}
		l, err := factory(a.ID)
		if err != nil {
			return registered, fmt.Errorf("failed to build loop for artifact %q: %w", a.ID, err)
		}
		if err := m.Add(l); err != nil {
			return registered, err
		}
		registered = append(registered, a.ID)
	}
	return registered, nil
}
