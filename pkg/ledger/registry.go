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

package ledger

import (
	"fmt"
	"sync"
)

// IDKind classifies what an ID names in the world.
type IDKind string

const (
	KindPrincipal IDKind = "principal"
	KindAgent     IDKind = "agent"
	KindArtifact  IDKind = "artifact"
)

// IDRegistry is the central registry preventing kind collisions across the
// ledger and the artifact store. A principal ID may also name the agent
// artifact that represents it; any other overlap is a collision.
type IDRegistry struct {
	mu    sync.RWMutex
	kinds map[string]map[IDKind]bool
}

func NewIDRegistry() *IDRegistry {
	return &IDRegistry{kinds: make(map[string]map[IDKind]bool)}
}

// Register records id under kind. Registering the same (id, kind) twice is
// a no-op. Registering a second kind succeeds only for the principal/agent
// pairing; everything else returns ErrIDCollision.
func (r *IDRegistry) Register(id string, kind IDKind) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.kinds[id]
	if !ok {
		r.kinds[id] = map[IDKind]bool{kind: true}
		return nil
	}
	if existing[kind] {
		return nil
	}
	if compatible(existing, kind) {
		existing[kind] = true
		return nil
	}
	return fmt.Errorf("%w: %q is already %s", ErrIDCollision, id, kindsOf(existing))
}

// Registered reports whether id is registered under kind.
func (r *IDRegistry) Registered(id string, kind IDKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.kinds[id][kind]
}

// Kinds returns all kinds registered for id.
func (r *IDRegistry) Kinds(id string) []IDKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]IDKind, 0, len(r.kinds[id]))
	for k := range r.kinds[id] {
		out = append(out, k)
	}
	return out
}

func compatible(existing map[IDKind]bool, kind IDKind) bool {
	// principal <-> agent is the only legal overlap: an agent's artifact
	// shares the ID of its ledger principal.
	for k := range existing {
		switch {
		case k == KindPrincipal && kind == KindAgent:
		case k == KindAgent && kind == KindPrincipal:
		default:
			return false
		}
	}
	return true
}

func kindsOf(m map[IDKind]bool) string {
	s := ""
	for k := range m {
		if s != "" {
			s += "+"
		}
		s += string(k)
	}
	return s
}
