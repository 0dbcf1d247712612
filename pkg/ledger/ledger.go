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

// Package ledger is the single authority on scrip and resource balances.
// Balances never go negative; every mutating call either succeeds entirely
// or leaves the ledger unchanged, and every success is observable via an
// event carrying balance_after fields.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
)

// ResourceLLMBudget is the depletable dollar budget resource debited by
// the LLM gateway syscall.
const ResourceLLMBudget = "llm_budget"

type principal struct {
	scrip     int64
	resources map[string]float64
}

// Ledger holds all principal balances. Mutations are internally serialized;
// a successful mutation is observable in subsequent reads by any goroutine.
type Ledger struct {
	mu         sync.RWMutex
	principals map[string]*principal
	registry   *IDRegistry
	events     *eventlog.Log
}

// New creates an empty ledger. The event log may be nil in tests that do
// not assert on events.
func New(registry *IDRegistry, events *eventlog.Log) *Ledger {
	if registry == nil {
		registry = NewIDRegistry()
	}
	return &Ledger{
		principals: make(map[string]*principal),
		registry:   registry,
		events:     events,
	}
}

// Registry returns the shared ID registry.
func (l *Ledger) Registry() *IDRegistry {
	return l.registry
}

// CreatePrincipal registers a new principal with starting balances. It
// fails with ErrIDCollision if the ID is already registered under a
// conflicting kind, and is an error if the principal already exists.
func (l *Ledger) CreatePrincipal(id string, startingScrip int64, startingResources map[string]float64) error {
	if startingScrip < 0 {
		return fmt.Errorf("starting scrip: %w", ErrInvalidAmount)
	}
	for name, amount := range startingResources {
		if amount < 0 {
			return fmt.Errorf("starting resource %q: %w", name, ErrInvalidAmount)
		}
	}
	if err := l.registry.Register(id, KindPrincipal); err != nil {
		return err
	}

	l.mu.Lock()
	if _, exists := l.principals[id]; exists {
		l.mu.Unlock()
		return fmt.Errorf("principal %q already exists", id)
	}
	p := &principal{scrip: startingScrip, resources: make(map[string]float64)}
	for name, amount := range startingResources {
		p.resources[name] = amount
	}
	l.principals[id] = p
	l.mu.Unlock()

	l.emit("principal_created", map[string]any{
		"principal":     id,
		"balance_after": startingScrip,
		"resources":     startingResources,
	})
	return nil
}

// EnsurePrincipal creates the principal with zero balances if it does not
// exist yet.
func (l *Ledger) EnsurePrincipal(id string) error {
	if l.Exists(id) {
		return nil
	}
	return l.CreatePrincipal(id, 0, nil)
}

// RestoreBalance inserts or overwrites a principal's balances directly,
// bypassing the ID registry. Only checkpoint restore uses this; it keeps
// the standing sweep from tripping over registry collisions.
func (l *Ledger) RestoreBalance(id string, scrip int64, resources map[string]float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p := &principal{scrip: scrip, resources: make(map[string]float64)}
	for name, amount := range resources {
		p.resources[name] = amount
	}
	l.principals[id] = p
}

// Exists reports whether the principal is registered in the ledger.
func (l *Ledger) Exists(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.principals[id]
	return ok
}

// GetScrip returns the scrip balance (0 for unknown principals).
func (l *Ledger) GetScrip(id string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.principals[id]; ok {
		return p.scrip
	}
	return 0
}

// GetResource returns the named resource balance (0 if absent).
func (l *Ledger) GetResource(id, resource string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.principals[id]; ok {
		return p.resources[resource]
	}
	return 0
}

// CanAffordScrip reports whether id holds at least amount scrip.
func (l *Ledger) CanAffordScrip(id string, amount int64) bool {
	return amount >= 0 && l.GetScrip(id) >= amount
}

// CanSpendResource reports whether id holds at least amount of resource.
func (l *Ledger) CanSpendResource(id, resource string, amount float64) bool {
	return amount >= 0 && l.GetResource(id, resource) >= amount
}

// CreditScrip adds amount to id's scrip balance.
func (l *Ledger) CreditScrip(id string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	p, ok := l.principals[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, id)
	}
	p.scrip += amount
	after := p.scrip
	l.mu.Unlock()

	l.emit("scrip_credited", map[string]any{
		"principal":     id,
		"amount":        amount,
		"balance_after": after,
	})
	return nil
}

// DeductScrip removes amount from id's scrip balance, failing with
// ErrInsufficientScrip if the balance would go negative.
func (l *Ledger) DeductScrip(id string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	p, ok := l.principals[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, id)
	}
	if p.scrip < amount {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q has %d, needs %d", ErrInsufficientScrip, id, p.scrip, amount)
	}
	p.scrip -= amount
	after := p.scrip
	l.mu.Unlock()

	l.emit("scrip_deducted", map[string]any{
		"principal":     id,
		"amount":        amount,
		"balance_after": after,
	})
	return nil
}

// TransferScrip atomically moves amount from one principal to another.
// Either both sides move or neither does.
func (l *Ledger) TransferScrip(from, to string, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	src, ok := l.principals[from]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, from)
	}
	dst, ok := l.principals[to]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, to)
	}
	if src.scrip < amount {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q has %d, needs %d", ErrInsufficientScrip, from, src.scrip, amount)
	}
	src.scrip -= amount
	dst.scrip += amount
	fromAfter, toAfter := src.scrip, dst.scrip
	l.mu.Unlock()

	l.emit("transfer_success", map[string]any{
		"from":               from,
		"to":                 to,
		"amount":             amount,
		"from_balance_after": fromAfter,
		"to_balance_after":   toAfter,
	})
	return nil
}

// SetResource sets the named resource balance outright.
func (l *Ledger) SetResource(id, resource string, amount float64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	p, ok := l.principals[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, id)
	}
	p.resources[resource] = amount
	l.mu.Unlock()

	l.emit(eventlog.TypeResourceAllocated, map[string]any{
		"principal":     id,
		"resource":      resource,
		"balance_after": amount,
	})
	return nil
}

// CreditResource adds amount to the named resource balance.
func (l *Ledger) CreditResource(id, resource string, amount float64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	p, ok := l.principals[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, id)
	}
	p.resources[resource] += amount
	after := p.resources[resource]
	l.mu.Unlock()

	l.emit(eventlog.TypeResourceAllocated, map[string]any{
		"principal":     id,
		"resource":      resource,
		"amount":        amount,
		"balance_after": after,
	})
	return nil
}

// SpendResource removes amount of the named resource, failing with
// ErrInsufficientResource if the balance would go negative.
func (l *Ledger) SpendResource(id, resource string, amount float64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	p, ok := l.principals[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, id)
	}
	if p.resources[resource] < amount {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q has %g %s, needs %g",
			ErrInsufficientResource, id, p.resources[resource], resource, amount)
	}
	p.resources[resource] -= amount
	after := p.resources[resource]
	l.mu.Unlock()

	l.emit(eventlog.TypeResourceSpent, map[string]any{
		"principal":     id,
		"resource":      resource,
		"amount":        amount,
		"balance_after": after,
	})
	return nil
}

// TransferResource atomically moves amount of resource between principals.
func (l *Ledger) TransferResource(from, to, resource string, amount float64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}

	l.mu.Lock()
	src, ok := l.principals[from]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, from)
	}
	dst, ok := l.principals[to]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownPrincipal, to)
	}
	if src.resources[resource] < amount {
		l.mu.Unlock()
		return fmt.Errorf("%w: %q has %g %s, needs %g",
			ErrInsufficientResource, from, src.resources[resource], resource, amount)
	}
	src.resources[resource] -= amount
	dst.resources[resource] += amount
	fromAfter, toAfter := src.resources[resource], dst.resources[resource]
	l.mu.Unlock()

	l.emit("resource_transfer_success", map[string]any{
		"from":               from,
		"to":                 to,
		"resource":           resource,
		"amount":             amount,
		"from_balance_after": fromAfter,
		"to_balance_after":   toAfter,
	})
	return nil
}

// AllScrip returns a snapshot of every scrip balance.
func (l *Ledger) AllScrip() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]int64, len(l.principals))
	for id, p := range l.principals {
		out[id] = p.scrip
	}
	return out
}

// AllResources returns a snapshot of every resource balance.
func (l *Ledger) AllResources() map[string]map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]map[string]float64, len(l.principals))
	for id, p := range l.principals {
		res := make(map[string]float64, len(p.resources))
		for name, amount := range p.resources {
			res[name] = amount
		}
		out[id] = res
	}
	return out
}

// Principals returns the IDs of all registered principals.
func (l *Ledger) Principals() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.principals))
	for id := range l.principals {
		out = append(out, id)
	}
	return out
}

func (l *Ledger) emit(eventType string, payload map[string]any) {
	if l.events == nil {
		return
	}
	if _, err := l.events.Append(eventType, payload); err != nil {
		slog.Warn("Failed to append ledger event", "event_type", eventType, "error", err)
	}
}
