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

package driver

import "sync"

// CostTracker accumulates global API spend in dollars. A MaxAPICost of
// zero means unlimited.
type CostTracker struct {
	mu    sync.Mutex
	total float64
	max   float64
}

// NewCostTracker creates a tracker with the given dollar cap.
func NewCostTracker(maxAPICost float64) *CostTracker {
	return &CostTracker{max: maxAPICost}
}

// Track records one call's cost. Matches the llm.CostTracker signature.
func (t *CostTracker) Track(cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total += cost
}

// Total returns the cumulative spend.
func (t *CostTracker) Total() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Exhausted reports whether spend has reached the cap.
func (t *CostTracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.max > 0 && t.total >= t.max
}

// SetTotal overwrites the cumulative spend, used on checkpoint restore.
func (t *CostTracker) SetTotal(total float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}
