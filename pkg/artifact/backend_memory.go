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

package artifact

import "sync"

// Backend persists artifact records. Implementations must be safe for
// concurrent use.
type Backend interface {
	Put(a *Artifact) error
	Get(id string) (*Artifact, bool, error)
	List() ([]*Artifact, error)
	Close() error
}

// MemoryBackend keeps artifacts in memory. Suitable for tests and runs
// that do not need durability.
type MemoryBackend struct {
	mu   sync.RWMutex
	data map[string]*Artifact
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string]*Artifact)}
}

func (b *MemoryBackend) Put(a *Artifact) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[a.ID] = a.Clone()
	return nil
}

func (b *MemoryBackend) Get(id string) (*Artifact, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	a, ok := b.data[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

func (b *MemoryBackend) List() ([]*Artifact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Artifact, 0, len(b.data))
	for _, a := range b.data {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
