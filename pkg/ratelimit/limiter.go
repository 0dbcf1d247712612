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

// Package ratelimit meters renewable resource capacity per (principal,
// resource) pair over a shared rolling window. The limiter is the only
// authority on usage windows; Consume is atomic with respect to capacity
// checks. The clock is injected so tests drive virtual time.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// UsageRecord is one consumption inside the current window.
type UsageRecord struct {
	Timestamp time.Time
	Amount    float64
}

type usageKey struct {
	Principal string
	Resource  string
}

// Limiter tracks rolling-window usage. Unconfigured resources behave as
// unlimited.
type Limiter struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	limits map[string]float64
	usage  map[usageKey][]UsageRecord
}

// New creates a limiter with the given shared window. A nil clock falls
// back to the real clock.
func New(window time.Duration, c clock.Clock) (*Limiter, error) {
	if window <= 0 {
		return nil, fmt.Errorf("window must be positive, got %s", window)
	}
	if c == nil {
		c = clock.New()
	}
	return &Limiter{
		clock:  c,
		window: window,
		limits: make(map[string]float64),
		usage:  make(map[usageKey][]UsageRecord),
	}, nil
}

// Window returns the shared rolling window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// ConfigureLimit sets the per-window maximum for a resource.
func (l *Limiter) ConfigureLimit(resource string, maxPerWindow float64) error {
	if resource == "" {
		return fmt.Errorf("resource cannot be empty")
	}
	if maxPerWindow < 0 {
		return fmt.Errorf("max_per_window cannot be negative, got %g", maxPerWindow)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[resource] = maxPerWindow
	return nil
}

// Limit returns the configured per-window maximum, or +Inf if the
// resource is unconfigured.
func (l *Limiter) Limit(resource string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limitLocked(resource)
}

func (l *Limiter) limitLocked(resource string) float64 {
	if limit, ok := l.limits[resource]; ok {
		return limit
	}
	return math.Inf(1)
}

// GetUsage returns the usage accumulated in the current window.
func (l *Limiter) GetUsage(principal, resource string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	records := l.pruneLocked(principal, resource)
	var sum float64
	for _, r := range records {
		sum += r.Amount
	}
	return sum
}

// GetRemaining returns the capacity left in the current window (+Inf for
// unconfigured resources).
func (l *Limiter) GetRemaining(principal, resource string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitLocked(resource)
	if math.IsInf(limit, 1) {
		return limit
	}
	var sum float64
	for _, r := range l.pruneLocked(principal, resource) {
		sum += r.Amount
	}
	remaining := limit - sum
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// HasCapacity reports whether amount would fit in the current window.
func (l *Limiter) HasCapacity(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasCapacityLocked(principal, resource, amount)
}

func (l *Limiter) hasCapacityLocked(principal, resource string, amount float64) bool {
	limit := l.limitLocked(resource)
	if math.IsInf(limit, 1) {
		return true
	}
	var sum float64
	for _, r := range l.pruneLocked(principal, resource) {
		sum += r.Amount
	}
	return sum+amount <= limit
}

// Consume atomically checks capacity and records usage. It returns false
// without recording if capacity is insufficient or amount is negative.
// Zero amount always succeeds without recording.
func (l *Limiter) Consume(principal, resource string, amount float64) bool {
	if amount < 0 {
		return false
	}
	if amount == 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.hasCapacityLocked(principal, resource, amount) {
		return false
	}
	key := usageKey{Principal: principal, Resource: resource}
	l.usage[key] = append(l.usage[key], UsageRecord{
		Timestamp: l.clock.Now(),
		Amount:    amount,
	})
	return true
}

// TimeUntilCapacity returns a lower-bound estimate of how long until
// amount fits in the window. Records are walked FIFO, accumulating from
// the oldest until the exceeding block has expired. Returns 0 when
// capacity is already available. When amount exceeds the configured limit
// no amount of aging helps; the window length is returned as the bound.
func (l *Limiter) TimeUntilCapacity(principal, resource string, amount float64) time.Duration {
	if amount <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limitLocked(resource)
	if math.IsInf(limit, 1) {
		return 0
	}
	if amount > limit {
		return l.window
	}

	records := l.pruneLocked(principal, resource)
	var sum float64
	for _, r := range records {
		sum += r.Amount
	}
	if sum+amount <= limit {
		return 0
	}

	now := l.clock.Now()
	var freed float64
	for _, r := range records {
		freed += r.Amount
		if sum-freed+amount <= limit {
			wait := r.Timestamp.Add(l.window).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return wait
		}
	}
	return l.window
}

// WaitForCapacity blocks until amount can be consumed, then performs a
// final atomic Consume. Returns false on timeout or context cancellation
// without consuming. Amounts <= 0 return true immediately without
// consumption. A zero timeout means wait indefinitely.
func (l *Limiter) WaitForCapacity(ctx context.Context, principal, resource string, amount float64, timeout time.Duration) bool {
	if amount <= 0 {
		return true
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = l.clock.Now().Add(timeout)
	}

	for {
		if l.Consume(principal, resource, amount) {
			return true
		}

		wait := l.TimeUntilCapacity(principal, resource, amount)
		if wait <= 0 {
			// Capacity was taken between the estimate and the consume
			// attempt; poll again shortly.
			wait = 10 * time.Millisecond
		}
		if !deadline.IsZero() {
			remaining := deadline.Sub(l.clock.Now())
			if remaining <= 0 {
				return false
			}
			if wait > remaining {
				wait = remaining
			}
		}

		select {
		case <-ctx.Done():
			return false
		case <-l.clock.After(wait):
		}
	}
}

// Reset clears usage selectively. Empty principal matches all principals;
// empty resource matches all resources.
func (l *Limiter) Reset(principal, resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key := range l.usage {
		if principal != "" && key.Principal != principal {
			continue
		}
		if resource != "" && key.Resource != resource {
			continue
		}
		delete(l.usage, key)
	}
}

// pruneLocked drops records older than the window and returns the rest.
func (l *Limiter) pruneLocked(principal, resource string) []UsageRecord {
	key := usageKey{Principal: principal, Resource: resource}
	records := l.usage[key]
	if len(records) == 0 {
		return nil
	}

	cutoff := l.clock.Now().Add(-l.window)
	idx := 0
	for idx < len(records) && !records[idx].Timestamp.After(cutoff) {
		idx++
	}
	if idx > 0 {
		records = append([]UsageRecord(nil), records[idx:]...)
		if len(records) == 0 {
			delete(l.usage, key)
		} else {
			l.usage[key] = records
		}
	}
	return records
}
