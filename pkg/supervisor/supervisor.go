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

// Package supervisor watches loops, classifies their deaths, and
// restarts the recoverable ones with capped, jittered backoff. It never
// touches a loop outside its reset-and-restart path.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ledger"
	"github.com/kadirpekel/vivarium/pkg/loop"
)

// DeathType classifies why a loop stopped.
type DeathType string

const (
	// DeathSmart is economic failure (scrip exhausted) or a policy-
	// excluded crash. Never restarted.
	DeathSmart DeathType = "SMART"
	// DeathVoluntary is a self-requested shutdown. Never restarted.
	DeathVoluntary DeathType = "VOLUNTARY"
	// DeathDumb is a runtime crash with resources remaining. Restarted
	// subject to policy.
	DeathDumb DeathType = "DUMB"
	// DeathUnknown is the zero value before first classification.
	DeathUnknown DeathType = "UNKNOWN"
)

// Config controls restart policy.
type Config struct {
	CheckInterval               time.Duration `yaml:"check_interval" json:"check_interval"`
	MaxRestartsPerHour          int           `yaml:"max_restarts_per_hour" json:"max_restarts_per_hour"`
	InitialBackoff              time.Duration `yaml:"initial_backoff_seconds" json:"initial_backoff_seconds"`
	BackoffMultiplier           float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	MaxBackoff                  time.Duration `yaml:"max_backoff_seconds" json:"max_backoff_seconds"`
	JitterFactor                float64       `yaml:"jitter_factor" json:"jitter_factor"`
	RestartOnResourceExhaustion bool          `yaml:"restart_on_resource_exhaustion" json:"restart_on_resource_exhaustion"`
	RestartOnTimeout            bool          `yaml:"restart_on_timeout" json:"restart_on_timeout"`
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.MaxRestartsPerHour == 0 {
		c.MaxRestartsPerHour = 10
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxRestartsPerHour < 1 {
		return fmt.Errorf("max_restarts_per_hour must be at least 1")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}
	if c.JitterFactor < 0 || c.JitterFactor >= 1 {
		return fmt.Errorf("jitter_factor must be in [0, 1)")
	}
	return nil
}

// RestartState tracks one agent's restart history.
type RestartState struct {
	RestartCount    int           `json:"restart_count"`
	RecentRestarts  []time.Time   `json:"recent_restarts"`
	CurrentBackoff  time.Duration `json:"current_backoff"`
	LastDeathType   DeathType     `json:"last_death_type"`
	PermanentlyDead bool          `json:"permanently_dead"`

	nextRestartAt time.Time
}

// Supervisor periodically evaluates all loops in a manager.
type Supervisor struct {
	config  Config
	manager *loop.Manager
	ledger  *ledger.Ledger
	events  *eventlog.Log
	clock   clock.Clock
	rng     *rand.Rand

	mu     sync.Mutex
	states map[string]*RestartState

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a supervisor over a loop manager.
func New(cfg Config, manager *loop.Manager, led *ledger.Ledger, events *eventlog.Log, c clock.Clock) (*Supervisor, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if c == nil {
		c = clock.New()
	}
	return &Supervisor{
		config:  cfg,
		manager: manager,
		ledger:  led,
		events:  events,
		clock:   c,
		rng:     rand.New(rand.NewSource(c.Now().UnixNano())),
		states:  make(map[string]*RestartState),
	}, nil
}

// Start launches the periodic evaluation goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := s.clock.Ticker(s.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Evaluate(runCtx)
			}
		}
	}()
}

// Stop halts evaluation.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Evaluate runs one supervision pass over every loop.
func (s *Supervisor) Evaluate(ctx context.Context) {
	for _, snap := range s.manager.GetAllStates() {
		if snap.State != loop.StatePaused && snap.State != loop.StateStopped {
			continue
		}
		// A pause without a crash reason is resource gating; the loop
		// resumes on its own.
		if snap.State == loop.StatePaused && snap.CrashReason == "" {
			continue
		}
		s.evaluateLoop(ctx, snap)
	}
}

// State returns a copy of an agent's restart state.
func (s *Supervisor) State(id string) (RestartState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		return RestartState{}, false
	}
	out := *st
	out.RecentRestarts = append([]time.Time(nil), st.RecentRestarts...)
	return out, true
}

func (s *Supervisor) evaluateLoop(ctx context.Context, snap loop.Snapshot) {
	s.mu.Lock()
	st, ok := s.states[snap.ID]
	if !ok {
		st = &RestartState{LastDeathType: DeathUnknown, CurrentBackoff: s.config.InitialBackoff}
		s.states[snap.ID] = st
	}
	if st.PermanentlyDead {
		s.mu.Unlock()
		return
	}

	deathType := s.classify(snap)
	st.LastDeathType = deathType

	if deathType != DeathDumb {
		st.PermanentlyDead = true
		s.mu.Unlock()
		slog.Info("Agent permanently dead", "agent", snap.ID, "death_type", deathType)
		s.emit("agent_permanently_dead", map[string]any{
			"agent":      snap.ID,
			"death_type": string(deathType),
			"reason":     snap.CrashReason,
		})
		return
	}

	now := s.clock.Now()
	if st.nextRestartAt.IsZero() {
		st.nextRestartAt = now.Add(s.jitteredBackoff(st.CurrentBackoff))
		s.mu.Unlock()
		return
	}
	if now.Before(st.nextRestartAt) {
		s.mu.Unlock()
		return
	}

	// Prune restart timestamps older than an hour before checking the cap.
	cutoff := now.Add(-time.Hour)
	kept := st.RecentRestarts[:0]
	for _, ts := range st.RecentRestarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.RecentRestarts = kept

	if len(st.RecentRestarts) >= s.config.MaxRestartsPerHour {
		st.PermanentlyDead = true
		s.mu.Unlock()
		slog.Warn("Agent exceeded restart budget", "agent", snap.ID, "max_per_hour", s.config.MaxRestartsPerHour)
		s.emit("agent_permanently_dead", map[string]any{
			"agent":      snap.ID,
			"death_type": string(DeathDumb),
			"reason":     fmt.Sprintf("exceeded %d restarts per hour", s.config.MaxRestartsPerHour),
		})
		return
	}

	st.RestartCount++
	st.RecentRestarts = append(st.RecentRestarts, now)
	st.CurrentBackoff = min(time.Duration(float64(st.CurrentBackoff)*s.config.BackoffMultiplier), s.config.MaxBackoff)
	st.nextRestartAt = time.Time{}
	restartCount := st.RestartCount
	s.mu.Unlock()

	s.restart(ctx, snap.ID, restartCount)
}

// restart clears the loop's failure state and starts it if stopped.
// Agent memory, scrip, and artifacts are untouched.
func (s *Supervisor) restart(ctx context.Context, id string, restartCount int) {
	l, ok := s.manager.Get(id)
	if !ok {
		return
	}
	l.ResetForRestart()
	if l.State() == loop.StateStopped {
		if err := l.Start(ctx); err != nil {
			slog.Error("Failed to restart loop", "agent", id, "error", err)
			return
		}
	}
	slog.Info("Agent restarted", "agent", id, "restart_count", restartCount)
	s.emit("agent_restarted", map[string]any{
		"agent":         id,
		"restart_count": restartCount,
	})
}

// classify decides the death type from the loop snapshot, the ledger,
// and the crash-policy flags.
func (s *Supervisor) classify(snap loop.Snapshot) DeathType {
	if snap.VoluntaryShutdown {
		return DeathVoluntary
	}
	if s.ledger != nil && s.ledger.Exists(snap.ID) && s.ledger.GetScrip(snap.ID) <= 0 {
		return DeathSmart
	}

	reason := strings.ToLower(snap.CrashReason)
	if strings.Contains(reason, "resource") && !s.config.RestartOnResourceExhaustion {
		return DeathSmart
	}
	if strings.Contains(reason, "timeout") && !s.config.RestartOnTimeout {
		return DeathSmart
	}
	return DeathDumb
}

func (s *Supervisor) jitteredBackoff(base time.Duration) time.Duration {
	if s.config.JitterFactor == 0 {
		return base
	}
	jitter := 1 + s.config.JitterFactor*(2*s.rng.Float64()-1)
	return time.Duration(float64(base) * jitter)
}

func (s *Supervisor) emit(eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Append(eventType, payload); err != nil {
		slog.Warn("Failed to append supervisor event", "event_type", eventType, "error", err)
	}
}
