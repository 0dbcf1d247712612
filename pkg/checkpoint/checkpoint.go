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

// Package checkpoint persists and rehydrates world state: balances,
// artifacts, agent identities, and the cumulative API cost. Restore
// repairs standing drift between the ledger and the artifact store
// instead of failing on it.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kadirpekel/vivarium/pkg/artifact"
	"github.com/kadirpekel/vivarium/pkg/ledger"
)

// BalanceRecord is one principal's holdings.
type BalanceRecord struct {
	Scrip     int64              `json:"scrip"`
	Resources map[string]float64 `json:"resources,omitempty"`
}

// Document is the on-disk checkpoint format.
type Document struct {
	EventNumber       uint64                   `json:"event_number"`
	Timestamp         time.Time                `json:"timestamp"`
	Reason            string                   `json:"reason"`
	CumulativeAPICost float64                  `json:"cumulative_api_cost"`
	Balances          map[string]BalanceRecord `json:"balances"`
	Artifacts         []*artifact.Artifact     `json:"artifacts"`
	AgentIDs          []string                 `json:"agent_ids"`
}

// Manager saves and restores checkpoints for one world.
type Manager struct {
	path   string
	ledger *ledger.Ledger
	store  *artifact.Store
	clock  clock.Clock

	// system principals are exempt from the standing sweep.
	system map[string]bool
}

// NewManager creates a checkpoint manager writing to path.
func NewManager(path string, led *ledger.Ledger, store *artifact.Store, c clock.Clock, systemPrincipals []string) *Manager {
	if c == nil {
		c = clock.New()
	}
	system := make(map[string]bool, len(systemPrincipals))
	for _, id := range systemPrincipals {
		system[id] = true
	}
	return &Manager{path: path, ledger: led, store: store, clock: c, system: system}
}

// Save writes a checkpoint atomically (temp file plus rename).
func (m *Manager) Save(eventNumber uint64, cumulativeAPICost float64, agentIDs []string, reason string) error {
	balances := make(map[string]BalanceRecord)
	scrip := m.ledger.AllScrip()
	resources := m.ledger.AllResources()
	for id, amount := range scrip {
		balances[id] = BalanceRecord{Scrip: amount, Resources: resources[id]}
	}

	doc := &Document{
		EventNumber:       eventNumber,
		Timestamp:         m.clock.Now().UTC(),
		Reason:            reason,
		CumulativeAPICost: cumulativeAPICost,
		Balances:          balances,
		Artifacts:         m.store.List(),
		AgentIDs:          append([]string(nil), agentIDs...),
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("failed to finalize checkpoint: %w", err)
	}
	slog.Info("Checkpoint saved", "path", m.path, "reason", reason, "event_number", eventNumber)
	return nil
}

// Load reads the checkpoint document without applying it.
func (m *Manager) Load() (*Document, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	doc := &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return doc, nil
}

// Restore rehydrates ledger and artifact state from disk, then repairs
// standing drift: principals whose artifacts lost standing get it back,
// and standing artifacts without a ledger entry get a zero-scrip one.
func (m *Manager) Restore() (*Document, error) {
	doc, err := m.Load()
	if err != nil {
		return nil, err
	}

	for id, record := range doc.Balances {
		m.ledger.RestoreBalance(id, record.Scrip, record.Resources)
	}
	for _, a := range doc.Artifacts {
		if err := m.store.Restore(a); err != nil {
			return nil, fmt.Errorf("failed to restore artifact %q: %w", a.ID, err)
		}
	}

	m.sweepStanding()
	slog.Info("Checkpoint restored", "path", m.path, "event_number", doc.EventNumber,
		"principals", len(doc.Balances), "artifacts", len(doc.Artifacts))
	return doc, nil
}

// sweepStanding reconciles the ledger and the artifact store in both
// directions. Irreparable drift is logged, never fatal.
func (m *Manager) sweepStanding() {
	for _, id := range m.ledger.Principals() {
		if m.system[id] {
			continue
		}
		a, ok := m.store.Get(id)
		if !ok || a.Deleted {
			slog.Warn("Invariant drift: ledger principal has no artifact", "principal", id)
			continue
		}
		if !a.HasStanding {
			slog.Warn("Repairing standing: principal's artifact lacked standing", "principal", id)
			if err := m.store.SetStanding(id, true); err != nil {
				slog.Error("Failed to repair standing", "principal", id, "error", err)
			}
		}
	}

	for _, a := range m.store.List() {
		if !a.HasStanding || m.ledger.Exists(a.ID) {
			continue
		}
		slog.Warn("Repairing standing: artifact had standing without a ledger entry", "artifact", a.ID)
		m.ledger.RestoreBalance(a.ID, 0, nil)
	}
}
