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

// Package loop runs agent and artifact lifecycles: cooperative
// iteration, sleep/wake, resource gating, error backoff, and supervised
// pause on repeated failure.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ratelimit"
)

// Config controls iteration pacing and failure handling.
type Config struct {
	MinLoopDelay          time.Duration `yaml:"min_loop_delay" json:"min_loop_delay"`
	MaxLoopDelay          time.Duration `yaml:"max_loop_delay" json:"max_loop_delay"`
	ResourceCheckInterval time.Duration `yaml:"resource_check_interval" json:"resource_check_interval"`
	MaxConsecutiveErrors  int           `yaml:"max_consecutive_errors" json:"max_consecutive_errors"`
	ResourcesToCheck      []string      `yaml:"resources_to_check" json:"resources_to_check"`
	ExhaustionPolicy      string        `yaml:"resource_exhaustion_policy" json:"resource_exhaustion_policy"`
	StopTimeout           time.Duration `yaml:"stop_timeout" json:"stop_timeout"`
}

// SetDefaults fills in zero-valued fields.
func (c *Config) SetDefaults() {
	if c.MinLoopDelay == 0 {
		c.MinLoopDelay = time.Second
	}
	if c.MaxLoopDelay == 0 {
		c.MaxLoopDelay = 60 * time.Second
	}
	if c.ResourceCheckInterval == 0 {
		c.ResourceCheckInterval = 5 * time.Second
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 5
	}
	if c.ExhaustionPolicy == "" {
		c.ExhaustionPolicy = PolicySkip
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.MinLoopDelay < 0 {
		return fmt.Errorf("min_loop_delay cannot be negative")
	}
	if c.MaxLoopDelay < c.MinLoopDelay {
		return fmt.Errorf("max_loop_delay must be at least min_loop_delay")
	}
	if c.ResourceCheckInterval <= 0 {
		return fmt.Errorf("resource_check_interval must be positive")
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("max_consecutive_errors must be at least 1")
	}
	if c.ExhaustionPolicy != PolicySkip && c.ExhaustionPolicy != PolicyBlock {
		return fmt.Errorf("resource_exhaustion_policy must be %q or %q", PolicySkip, PolicyBlock)
	}
	return nil
}

// Iterator is one unit of loop work. A non-nil error counts against
// max_consecutive_errors.
type Iterator func(ctx context.Context) error

// AliveCheck reports whether the loop's owner still wants to run. A
// false return stops the loop cleanly.
type AliveCheck func() bool

// ConditionChecker evaluates event and resource wake conditions. Time
// conditions are evaluated against the loop clock regardless.
type ConditionChecker func(cond WakeCondition) bool

// Loop is a single supervised lifecycle. All exported methods are safe
// for concurrent use.
type Loop struct {
	id      string
	config  Config
	clock   clock.Clock
	limiter *ratelimit.Limiter
	events  *eventlog.Log

	iterate   Iterator
	isAlive   AliveCheck
	checkCond ConditionChecker

	mu                sync.Mutex
	state             State
	consecutiveErrors int
	iterationCount    int64
	crashReason       string
	voluntary         bool
	wakeCond          *WakeCondition
	delay             time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	wakeCh chan struct{}
}

// New builds a loop around an iterator. limiter and events may be nil.
func New(id string, cfg Config, iterate Iterator, c clock.Clock, limiter *ratelimit.Limiter, events *eventlog.Log) (*Loop, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loop %q: %w", id, err)
	}
	if iterate == nil {
		return nil, fmt.Errorf("loop %q: iterator is required", id)
	}
	if c == nil {
		c = clock.New()
	}
	return &Loop{
		id:      id,
		config:  cfg,
		clock:   c,
		limiter: limiter,
		events:  events,
		iterate: iterate,
		state:   StateStopped,
		delay:   cfg.MinLoopDelay,
		wakeCh:  make(chan struct{}, 1),
	}, nil
}

// SetAliveCheck installs the owner-liveness callback.
func (l *Loop) SetAliveCheck(fn AliveCheck) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isAlive = fn
}

// SetConditionChecker installs the event/resource wake evaluator.
func (l *Loop) SetConditionChecker(fn ConditionChecker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkCond = fn
}

// ID returns the loop's principal ID.
func (l *Loop) ID() string { return l.id }

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Snapshot returns a copy of the loop's observable state.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		ID:                l.id,
		State:             l.state,
		ConsecutiveErrors: l.consecutiveErrors,
		IterationCount:    l.iterationCount,
		CrashReason:       l.crashReason,
		VoluntaryShutdown: l.voluntary,
	}
	if l.wakeCond != nil {
		cond := *l.wakeCond
		s.WakeCondition = &cond
	}
	return s
}

// Start launches the loop goroutine. Starting a non-stopped loop logs a
// warning and returns nil.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		state := l.state
		l.mu.Unlock()
		slog.Warn("Loop already running, start ignored", "loop", l.id, "state", state)
		return nil
	}
	l.setStateLocked(StateStarting)
	l.consecutiveErrors = 0
	l.crashReason = ""
	l.voluntary = false
	l.delay = l.config.MinLoopDelay

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	done := l.done
	l.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		l.run(runCtx)
	}()
	return nil
}

// Stop asks the loop to exit and waits up to timeout before forcing
// cancellation. Zero timeout uses the configured default.
func (l *Loop) Stop(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = l.config.StopTimeout
	}

	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return nil
	}
	l.setStateLocked(StateStopping)
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	l.signalWake()
	if done == nil {
		l.forceStopped()
		return nil
	}

	timer := l.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.Warn("Loop did not stop gracefully, cancelling", "loop", l.id, "timeout", timeout)
		if cancel != nil {
			cancel()
		}
		<-done
	}
	l.forceStopped()
	return nil
}

// Sleep atomically sets SLEEPING and stores the wake condition.
func (l *Loop) Sleep(cond WakeCondition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateRunning && l.state != StateStarting {
		return
	}
	c := cond
	l.wakeCond = &c
	l.setStateLocked(StateSleeping)
}

// Wake transitions a sleeping loop back to RUNNING immediately.
func (l *Loop) Wake() {
	l.mu.Lock()
	if l.state == StateSleeping {
		l.wakeCond = nil
		l.setStateLocked(StateRunning)
	}
	l.mu.Unlock()
	l.signalWake()
}

// MarkVoluntaryShutdown flags the loop so the supervisor will not
// restart it after it stops.
func (l *Loop) MarkVoluntaryShutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.voluntary = true
}

// ResetForRestart clears failure state ahead of a supervised restart.
// Memory, balances, and artifacts are untouched; only the loop's own
// counters reset.
func (l *Loop) ResetForRestart() {
	l.mu.Lock()
	l.consecutiveErrors = 0
	l.crashReason = ""
	l.voluntary = false
	l.delay = l.config.MinLoopDelay
	l.mu.Unlock()
	l.signalWake()
}

func (l *Loop) run(ctx context.Context) {
	defer l.forceStopped()

	// Only STARTING becomes RUNNING here. A Stop that landed between
	// Start and this point already set STOPPING, and the first loop
	// check below must see it.
	l.mu.Lock()
	if l.state == StateStarting {
		l.setStateLocked(StateRunning)
	}
	l.mu.Unlock()

	for {
		if ctx.Err() != nil || l.State() == StateStopping {
			return
		}

		if alive := l.aliveCheck(); alive != nil && !*alive {
			slog.Info("Loop owner no longer alive, stopping", "loop", l.id)
			return
		}

		if l.State() == StateSleeping {
			if !l.awaitWake(ctx) {
				return
			}
			continue
		}

		// A loop paused by repeated failure parks until the supervisor
		// restarts it or shutdown arrives.
		if l.isCrashedPaused() {
			if !l.sleepFor(ctx, l.config.ResourceCheckInterval) {
				return
			}
			continue
		}

		if cont, ok := l.gateOnResources(ctx); !ok {
			return
		} else if !cont {
			continue
		}

		l.runIteration(ctx)

		if !l.sleepFor(ctx, l.currentDelay()) {
			return
		}
	}
}

// aliveCheck returns nil when no callback is installed.
func (l *Loop) aliveCheck() *bool {
	l.mu.Lock()
	fn := l.isAlive
	l.mu.Unlock()
	if fn == nil {
		return nil
	}
	alive := fn()
	return &alive
}

// awaitWake blocks a sleeping loop until its condition is met, Wake is
// called, or the loop is asked to stop. Returns false on shutdown.
func (l *Loop) awaitWake(ctx context.Context) bool {
	l.mu.Lock()
	cond := l.wakeCond
	check := l.checkCond
	l.mu.Unlock()

	if cond != nil && l.conditionMet(*cond, check) {
		l.mu.Lock()
		if l.state == StateSleeping {
			l.wakeCond = nil
			l.setStateLocked(StateRunning)
		}
		l.mu.Unlock()
		return true
	}

	timer := l.clock.Timer(l.config.ResourceCheckInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.wakeCh:
		return l.State() != StateStopping
	case <-timer.C:
		return l.State() != StateStopping
	}
}

func (l *Loop) conditionMet(cond WakeCondition, check ConditionChecker) bool {
	if cond.Kind == WakeKindTime {
		return !l.clock.Now().Before(cond.At)
	}
	if check != nil {
		return check(cond)
	}
	return false
}

// gateOnResources enforces the iteration's resource requirements. The
// second return is false on shutdown; the first is false when the caller
// should re-enter the outer loop without iterating.
func (l *Loop) gateOnResources(ctx context.Context) (bool, bool) {
	if l.limiter == nil || len(l.config.ResourcesToCheck) == 0 {
		l.resumeIfPaused()
		return true, true
	}

	switch l.config.ExhaustionPolicy {
	case PolicyBlock:
		for _, resource := range l.config.ResourcesToCheck {
			for !l.limiter.WaitForCapacity(ctx, l.id, resource, 1, l.config.ResourceCheckInterval) {
				if ctx.Err() != nil || l.State() == StateStopping {
					return false, false
				}
			}
		}
	default: // skip
		for _, resource := range l.config.ResourcesToCheck {
			if !l.limiter.HasCapacity(l.id, resource, 1) {
				l.pauseForResources(resource)
				if !l.sleepFor(ctx, l.config.ResourceCheckInterval) {
					return false, false
				}
				return false, true
			}
		}
	}
	l.resumeIfPaused()
	return true, true
}

func (l *Loop) pauseForResources(resource string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning {
		l.setStateLocked(StatePaused)
		slog.Debug("Loop paused on exhausted resource", "loop", l.id, "resource", resource)
	}
}

func (l *Loop) resumeIfPaused() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StatePaused && l.crashReason == "" {
		l.setStateLocked(StateRunning)
	}
}

func (l *Loop) runIteration(ctx context.Context) {
	err := l.iterate(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.iterationCount++

	if err == nil {
		l.consecutiveErrors = 0
		l.delay = l.config.MinLoopDelay
		return
	}

	l.consecutiveErrors++
	l.delay = min(l.delay*2, l.config.MaxLoopDelay)
	slog.Warn("Loop iteration failed", "loop", l.id, "error", err, "consecutive_errors", l.consecutiveErrors)

	if l.consecutiveErrors >= l.config.MaxConsecutiveErrors {
		l.crashReason = err.Error()
		l.setStateLocked(StatePaused)
	}
}

// sleepFor waits for d, interruptible by wake signals and shutdown.
// Returns false when the loop should exit.
func (l *Loop) sleepFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil && l.State() != StateStopping
	}
	timer := l.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.wakeCh:
		return l.State() != StateStopping
	case <-timer.C:
		return l.State() != StateStopping
	}
}

func (l *Loop) isCrashedPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == StatePaused && l.crashReason != ""
}

func (l *Loop) currentDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

func (l *Loop) signalWake() {
	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

func (l *Loop) forceStopped() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateStopped {
		l.setStateLocked(StateStopped)
	}
}

// setStateLocked transitions state and emits an observability event.
// Callers hold l.mu.
func (l *Loop) setStateLocked(next State) {
	prev := l.state
	l.state = next
	if l.events == nil || prev == next {
		return
	}
	payload := map[string]any{
		"loop": l.id,
		"from": string(prev),
		"to":   string(next),
	}
	if l.crashReason != "" {
		payload["crash_reason"] = l.crashReason
	}
	if _, err := l.events.Append(eventlog.TypeAgentState, payload); err != nil {
		slog.Warn("Failed to append loop state event", "loop", l.id, "error", err)
	}
}
