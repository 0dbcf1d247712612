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

// Package eventlog provides the append-only, monotonically sequenced record
// of every decision and outcome in a run. The log is the single source of
// truth for ordering; all other components derive from it.
package eventlog

import (
	"time"
)

// Reserved event types.
const (
	TypeThinking          = "thinking"
	TypeThinkingFailed    = "thinking_failed"
	TypeAction            = "action"
	TypeResourceConsumed  = "resource_consumed"
	TypeResourceAllocated = "resource_allocated"
	TypeResourceSpent     = "resource_spent"
	TypeAgentState        = "agent_state"
	TypeTick              = "tick"
	TypeMintAuction       = "mint_auction"
	TypeBudgetPause       = "budget_pause"
	TypeIntentRejected    = "intent_rejected"
)

// Event is a single immutable log record. Sequence is assigned by the log
// and strictly increases across a run. Tick is a deprecated alias of
// Sequence kept for consumers of the old field name.
type Event struct {
	Sequence  int64          `json:"sequence"`
	Tick      int64          `json:"tick"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ReadOptions filters a Read call. The zero value reads everything.
type ReadOptions struct {
	// FromSequence skips events with Sequence < FromSequence.
	FromSequence int64

	// Limit caps the number of returned events (0 = unlimited).
	Limit int

	// Types restricts to the given event types (empty = all).
	Types []string

	// Match is an optional predicate applied after the other filters.
	Match func(Event) bool
}

func (o ReadOptions) matches(e Event) bool {
	if e.Sequence < o.FromSequence {
		return false
	}
	if len(o.Types) > 0 {
		found := false
		for _, t := range o.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if o.Match != nil && !o.Match(e) {
		return false
	}
	return true
}
