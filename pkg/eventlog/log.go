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

package eventlog

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// Log serializes appends and assigns sequences. Events are mirrored in
// memory for reads; sinks provide durability.
type Log struct {
	mu     sync.RWMutex
	seq    int64
	clock  clock.Clock
	sinks  []Sink
	events []Event
}

// New creates a Log writing to the given sinks. A nil clock falls back to
// the real clock.
func New(c clock.Clock, sinks ...Sink) *Log {
	if c == nil {
		c = clock.New()
	}
	return &Log{clock: c, sinks: sinks}
}

// Append writes an event and returns its assigned sequence. Appends are
// linearized; two appends from the same goroutine are ordered as issued.
func (l *Log) Append(eventType string, payload map[string]any) (int64, error) {
	if eventType == "" {
		return 0, fmt.Errorf("event type cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e := Event{
		Sequence:  l.seq,
		Tick:      l.seq,
		Timestamp: l.clock.Now().UTC(),
		Type:      eventType,
		Payload:   payload,
	}
	l.events = append(l.events, e)

	for _, s := range l.sinks {
		if err := s.Write(e); err != nil {
			return e.Sequence, fmt.Errorf("failed to write event %d to sink: %w", e.Sequence, err)
		}
	}
	return e.Sequence, nil
}

// Read returns events matching the options, in sequence order.
func (l *Log) Read(opts ReadOptions) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if !opts.matches(e) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// LastSequence returns the sequence of the most recent event (0 if none).
func (l *Log) LastSequence() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Len returns the number of events appended so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Close closes all sinks.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Replay streams events through a handler in sequence order, stopping at
// the first handler error.
func Replay(events []Event, handler func(Event) error) error {
	for _, e := range events {
		if err := handler(e); err != nil {
			return fmt.Errorf("replay stopped at sequence %d: %w", e.Sequence, err)
		}
	}
	return nil
}
