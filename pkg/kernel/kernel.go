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

// Package kernel exposes the two interfaces artifact code runs against:
// a read-only State view and a caller-verified Actions surface. Both are
// handed to genesis and agent-built artifacts alike; there is no
// privileged variant.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/vivarium/pkg/artifact"
	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ledger"
)

// ErrCallerMismatch is returned when an action tries to move resources
// belonging to a principal other than the caller.
var ErrCallerMismatch = errors.New("caller may only move its own resources")

// ReadGuard authorizes artifact reads. The executor wires this to its
// contract-checking read path; a nil guard permits all reads.
type ReadGuard func(id, callerID string) (string, error)

// State is the read-only world view injected into sandboxed code as
// kernel_state.
type State struct {
	ledger *ledger.Ledger
	store  *artifact.Store
	guard  ReadGuard
}

// NewState builds a state view. guard may be nil.
func NewState(led *ledger.Ledger, store *artifact.Store, guard ReadGuard) *State {
	return &State{ledger: led, store: store, guard: guard}
}

// SetReadGuard wires the contract-aware read path. Called once during
// bootstrap, after the executor exists.
func (s *State) SetReadGuard(guard ReadGuard) {
	s.guard = guard
}

// GetBalance returns the scrip balance of a principal (0 if unknown).
func (s *State) GetBalance(id string) int64 {
	return s.ledger.GetScrip(id)
}

// GetResource returns a principal's balance for the named resource.
func (s *State) GetResource(id, resource string) float64 {
	return s.ledger.GetResource(id, resource)
}

// ListArtifactsByOwner returns the IDs of the live artifacts a principal
// created.
func (s *State) ListArtifactsByOwner(id string) []string {
	owned := s.store.ListByOwner(id)
	out := make([]string, 0, len(owned))
	for _, a := range owned {
		out = append(out, a.ID)
	}
	return out
}

// GetArtifactMetadata returns the public attributes of an artifact
// without its content or code.
func (s *State) GetArtifactMetadata(id string) (map[string]any, bool) {
	a, ok := s.store.Get(id)
	if !ok || a.Deleted {
		return nil, false
	}
	return map[string]any{
		"id":                 a.ID,
		"type":               string(a.Type),
		"created_by":         a.CreatedBy,
		"executable":         a.Executable,
		"has_standing":       a.HasStanding,
		"has_loop":           a.HasLoop,
		"access_contract_id": a.AccessContractID,
		"capabilities":       append([]string(nil), a.Capabilities...),
	}, true
}

// ReadArtifact returns an artifact's content, subject to its access
// contract when a guard is wired.
func (s *State) ReadArtifact(id, callerID string) (string, error) {
	if s.guard != nil {
		return s.guard(id, callerID)
	}
	a, ok := s.store.Get(id)
	if !ok || a.Deleted {
		return "", fmt.Errorf("%w: %q", artifact.ErrNotFound, id)
	}
	return a.Content, nil
}

// Actions is the mutating kernel surface injected into sandboxed code as
// kernel_actions. Every call verifies that the caller is the principal
// being debited.
type Actions struct {
	ledger *ledger.Ledger
	events *eventlog.Log
}

// NewActions builds the action surface.
func NewActions(led *ledger.Ledger, events *eventlog.Log) *Actions {
	return &Actions{ledger: led, events: events}
}

// TransferScrip moves scrip from the caller to another principal.
func (a *Actions) TransferScrip(callerID, to string, amount int64) error {
	if err := a.ledger.TransferScrip(callerID, to, amount); err != nil {
		return err
	}
	a.emit("kernel_transfer_scrip", map[string]any{
		"from":   callerID,
		"to":     to,
		"amount": amount,
	})
	return nil
}

// TransferResource moves a resource balance from the caller to another
// principal.
func (a *Actions) TransferResource(callerID, to, resource string, amount float64) error {
	if err := a.ledger.TransferResource(callerID, to, resource, amount); err != nil {
		return err
	}
	a.emit("kernel_transfer_resource", map[string]any{
		"from":     callerID,
		"to":       to,
		"resource": resource,
		"amount":   amount,
	})
	return nil
}

// CreatePrincipal registers a new ledger principal. The caller funds the
// starting balance out of its own scrip, which keeps total scrip
// conserved and stops artifacts from minting.
func (a *Actions) CreatePrincipal(callerID, id string, startingScrip int64) error {
	if startingScrip < 0 {
		return ledger.ErrInvalidAmount
	}
	if err := a.ledger.CreatePrincipal(id, 0, nil); err != nil {
		return err
	}
	if startingScrip > 0 {
		if err := a.ledger.TransferScrip(callerID, id, startingScrip); err != nil {
			return fmt.Errorf("principal %q created but not funded: %w", id, err)
		}
	}
	a.emit("kernel_create_principal", map[string]any{
		"caller":         callerID,
		"principal":      id,
		"starting_scrip": startingScrip,
	})
	return nil
}

// VerifyCaller rejects any action whose debited principal is not the
// caller itself. The executor applies this before dispatching transfer
// syscalls.
func VerifyCaller(callerID, debited string) error {
	if callerID != debited {
		return fmt.Errorf("%w: caller %q, debited %q", ErrCallerMismatch, callerID, debited)
	}
	return nil
}

func (a *Actions) emit(eventType string, payload map[string]any) {
	if a.events == nil {
		return
	}
	if _, err := a.events.Append(eventType, payload); err != nil {
		slog.Warn("Failed to append kernel event", "event_type", eventType, "error", err)
	}
}
