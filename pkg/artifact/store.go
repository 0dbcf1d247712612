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

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ledger"
)

var (
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrPermissionDenied is returned when the caller may not mutate the
	// artifact.
	ErrPermissionDenied = errors.New("permission denied")
)

// StandingChecker reports whether a principal exists in the ledger. The
// store uses it to enforce the standing invariant at creation time.
type StandingChecker interface {
	Exists(id string) bool
}

// CodeValidator checks that artifact code parses and defines a known
// entry point. Wired from the sandbox package at startup.
type CodeValidator func(code string) error

// WriteParams carries everything a write needs. Caller is the principal
// performing the write.
type WriteParams struct {
	ID               string
	Type             Type
	Content          string
	Caller           string
	Executable       bool
	Code             string
	Capabilities     []string
	AccessContractID string
	HasStanding      bool
	HasLoop          bool
	GenesisMethods   map[string]string
}

// Store is the content-addressed registry of artifacts and their
// ownership. IDs are registered centrally to prevent kind collisions.
type Store struct {
	mu        sync.RWMutex
	backend   Backend
	registry  *ledger.IDRegistry
	events    *eventlog.Log
	clock     clock.Clock
	standing  StandingChecker
	validator CodeValidator
}

// NewStore creates a store over the given backend. registry is required;
// events, standing, and validator may be nil.
func NewStore(backend Backend, registry *ledger.IDRegistry, events *eventlog.Log, c clock.Clock) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if c == nil {
		c = clock.New()
	}
	return &Store{
		backend:  backend,
		registry: registry,
		events:   events,
		clock:    c,
	}
}

// SetStandingChecker wires the ledger view used for the standing
// invariant. Called once during world bootstrap.
func (s *Store) SetStandingChecker(sc StandingChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standing = sc
}

// SetCodeValidator wires the sandbox code validator.
func (s *Store) SetCodeValidator(v CodeValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validator = v
}

// Write creates a new artifact or updates an existing one. Updates require
// the caller to own the artifact; callers that already passed an access
// contract should use WriteAuthorized.
func (s *Store) Write(p WriteParams) (*Artifact, error) {
	return s.write(p, false)
}

// WriteAuthorized is Write without the ownership check. Only the executor
// calls it, after a contract has allowed the operation.
func (s *Store) WriteAuthorized(p WriteParams) (*Artifact, error) {
	return s.write(p, true)
}

func (s *Store) write(p WriteParams, authorized bool) (*Artifact, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("artifact id cannot be empty")
	}
	if p.Caller == "" {
		return nil, fmt.Errorf("caller cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Code != "" && s.validator != nil {
		if err := s.validator(p.Code); err != nil {
			return nil, fmt.Errorf("invalid artifact code: %w", err)
		}
	}

	existing, found, err := s.backend.Get(p.ID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	if found && !existing.Deleted {
		if !authorized && existing.CreatedBy != p.Caller {
			return nil, fmt.Errorf("%w: %q does not own artifact %q", ErrPermissionDenied, p.Caller, p.ID)
		}
		updated := existing.Clone()
		updated.Content = p.Content
		updated.Code = p.Code
		updated.Executable = p.Executable
		updated.Capabilities = append([]string(nil), p.Capabilities...)
		updated.AccessContractID = p.AccessContractID
		updated.HasLoop = p.HasLoop
		updated.UpdatedAt = now
		if err := s.backend.Put(updated); err != nil {
			return nil, err
		}
		s.emit("artifact_updated", map[string]any{
			"artifact": p.ID,
			"caller":   p.Caller,
		})
		return updated.Clone(), nil
	}

	kind := ledger.KindArtifact
	if p.Type == TypeAgent {
		kind = ledger.KindAgent
	}
	if err := s.registry.Register(p.ID, kind); err != nil {
		return nil, err
	}

	hasStanding := p.HasStanding
	// Standing invariant: the artifact representing a ledger principal
	// carries standing from the moment it is created.
	if s.standing != nil && s.standing.Exists(p.ID) {
		hasStanding = true
	}

	a := &Artifact{
		ID:               p.ID,
		Type:             p.Type,
		CreatedBy:        p.Caller,
		Content:          p.Content,
		Code:             p.Code,
		Executable:       p.Executable,
		HasStanding:      hasStanding,
		HasLoop:          p.HasLoop,
		Capabilities:     append([]string(nil), p.Capabilities...),
		AccessContractID: p.AccessContractID,
		GenesisMethods:   p.GenesisMethods,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.backend.Put(a); err != nil {
		return nil, err
	}
	s.emit("artifact_created", map[string]any{
		"artifact":   p.ID,
		"type":       string(p.Type),
		"created_by": p.Caller,
		"executable": p.Executable,
		"has_loop":   p.HasLoop,
	})
	return a.Clone(), nil
}

// Get returns the artifact, including tombstoned ones; callers check
// Deleted.
func (s *Store) Get(id string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok, err := s.backend.Get(id)
	if err != nil {
		slog.Warn("Artifact backend read failed", "artifact", id, "error", err)
		return nil, false
	}
	return a, ok
}

// List returns all live (non-tombstoned) artifacts.
func (s *Store) List() []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.backend.List()
	if err != nil {
		slog.Warn("Artifact backend list failed", "error", err)
		return nil
	}
	out := make([]*Artifact, 0, len(all))
	for _, a := range all {
		if !a.Deleted {
			out = append(out, a)
		}
	}
	return out
}

// ListByOwner returns the live artifacts created by the given principal.
func (s *Store) ListByOwner(owner string) []*Artifact {
	out := make([]*Artifact, 0)
	for _, a := range s.List() {
		if a.CreatedBy == owner {
			out = append(out, a)
		}
	}
	return out
}

// Delete tombstones an artifact. Only the owner may delete; callers that
// passed an access contract use DeleteAuthorized.
func (s *Store) Delete(id, caller string) error {
	return s.delete(id, caller, false)
}

// DeleteAuthorized is Delete without the ownership check.
func (s *Store) DeleteAuthorized(id, caller string) error {
	return s.delete(id, caller, true)
}

func (s *Store) delete(id, caller string, authorized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok, err := s.backend.Get(id)
	if err != nil {
		return err
	}
	if !ok || a.Deleted {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if !authorized && a.CreatedBy != caller {
		return fmt.Errorf("%w: %q does not own artifact %q", ErrPermissionDenied, caller, id)
	}

	a.Deleted = true
	a.UpdatedAt = s.clock.Now().UTC()
	if err := s.backend.Put(a); err != nil {
		return err
	}
	s.emit("artifact_deleted", map[string]any{
		"artifact": id,
		"caller":   caller,
	})
	return nil
}

// SetStanding flips the has_standing flag directly. Checkpoint restore
// uses this in its compensating sweep.
func (s *Store) SetStanding(id string, standing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok, err := s.backend.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	a.HasStanding = standing
	return s.backend.Put(a)
}

// Restore inserts an artifact record verbatim, registering its ID. Used
// by checkpoint restore.
func (s *Store) Restore(a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := ledger.KindArtifact
	if a.Type == TypeAgent {
		kind = ledger.KindAgent
	}
	if err := s.registry.Register(a.ID, kind); err != nil {
		return err
	}
	return s.backend.Put(a.Clone())
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) emit(eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(eventType, payload); err != nil {
		slog.Warn("Failed to append artifact event", "event_type", eventType, "error", err)
	}
}
