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

// Package driver runs the world: it starts loops, polls the mint
// auction, watches the global budget and deadline, and checkpoints on
// the way out.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/kadirpekel/vivarium/pkg/auction"
	"github.com/kadirpekel/vivarium/pkg/checkpoint"
	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/loop"
	"github.com/kadirpekel/vivarium/pkg/supervisor"
)

// StopReason tags why the world stopped. It becomes the checkpoint's
// reason field.
type StopReason string

const (
	StopBudgetExhausted StopReason = "budget_exhausted"
	StopRuntimeExceeded StopReason = "runtime_exceeded"
	StopNoLoopsRunning  StopReason = "no_loops_running"
	StopShutdown        StopReason = "shutdown"
)

// Config bounds the run.
type Config struct {
	// MaxDuration is the wall-clock cap. Zero means unlimited.
	MaxDuration time.Duration `yaml:"max_duration"`

	// WatchInterval is the watch loop's poll cadence.
	WatchInterval time.Duration `yaml:"watch_interval"`

	// MintInterval is the auction poll cadence.
	MintInterval time.Duration `yaml:"mint_interval"`

	// StopTimeout bounds each loop's graceful stop.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.WatchInterval == 0 {
		c.WatchInterval = time.Second
	}
	if c.MintInterval == 0 {
		c.MintInterval = time.Second
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative")
	}
	if c.WatchInterval <= 0 || c.MintInterval <= 0 {
		return fmt.Errorf("watch and mint intervals must be positive")
	}
	return nil
}

// Deps are the world components the driver coordinates. Supervisor,
// Auction, and Checkpoints may be nil.
type Deps struct {
	Events      *eventlog.Log
	Agents      *loop.Manager
	Artifacts   *loop.Manager
	Supervisor  *supervisor.Supervisor
	Auction     *auction.Auction
	Checkpoints *checkpoint.Manager
	Costs       *CostTracker
	Clock       clock.Clock
}

// Driver is the top-level run loop. Each Driver carries a unique run ID
// that tags its logs and events so interleaved runs stay attributable.
type Driver struct {
	config Config
	deps   Deps
	clock  clock.Clock
	runID  string

	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

// New creates a driver and wires the budget check into the auction.
func New(cfg Config, deps Deps) (*Driver, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid driver config: %w", err)
	}
	if deps.Costs == nil {
		deps.Costs = NewCostTracker(0)
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Auction != nil {
		deps.Auction.SetBudgetCheck(deps.Costs.Exhausted)
	}
	return &Driver{
		config: cfg,
		deps:   deps,
		clock:  deps.Clock,
		runID:  uuid.NewString(),
		resume: make(chan struct{}),
	}, nil
}

// RunID identifies this driver's run.
func (d *Driver) RunID() string { return d.runID }

// Costs exposes the global cost tracker.
func (d *Driver) Costs() *CostTracker { return d.deps.Costs }

// Pause suspends the watch loop's stop checks. In-flight loop work is
// untouched.
func (d *Driver) Pause(reason string) {
	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		return
	}
	d.paused = true
	d.mu.Unlock()
	d.emit(eventlog.TypeBudgetPause, map[string]any{"paused": true, "reason": reason})
	slog.Info("World paused", "reason", reason)
}

// Resume lifts a pause.
func (d *Driver) Resume() {
	d.mu.Lock()
	if !d.paused {
		d.mu.Unlock()
		return
	}
	d.paused = false
	resume := d.resume
	d.resume = make(chan struct{})
	d.mu.Unlock()
	close(resume)
	d.emit(eventlog.TypeBudgetPause, map[string]any{"paused": false})
	slog.Info("World resumed")
}

// Paused reports whether the watch loop is paused.
func (d *Driver) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

// Run starts everything, watches until a stop condition fires, then
// stops everything and writes a checkpoint. It blocks until the world
// is down.
func (d *Driver) Run(ctx context.Context) (StopReason, error) {
	started := d.clock.Now()

	if d.deps.Supervisor != nil {
		d.deps.Supervisor.Start(ctx)
	}
	if err := d.deps.Agents.StartAll(ctx); err != nil {
		return StopShutdown, fmt.Errorf("failed to start agent loops: %w", err)
	}
	if err := d.deps.Artifacts.StartAll(ctx); err != nil {
		return StopShutdown, fmt.Errorf("failed to start artifact loops: %w", err)
	}
	slog.Info("World running",
		"run_id", d.runID,
		"agent_loops", d.deps.Agents.LoopCount(),
		"artifact_loops", d.deps.Artifacts.LoopCount(),
		"max_duration", d.config.MaxDuration)

	mintCtx, cancelMint := context.WithCancel(ctx)
	var mintDone chan struct{}
	if d.deps.Auction != nil {
		mintDone = make(chan struct{})
		go d.mintLoop(mintCtx, mintDone)
	}

	reason := d.watch(ctx, started)

	cancelMint()
	if mintDone != nil {
		<-mintDone
	}
	if d.deps.Supervisor != nil {
		d.deps.Supervisor.Stop()
	}
	if err := d.deps.Agents.StopAll(d.config.StopTimeout); err != nil {
		slog.Warn("Agent loops did not all stop cleanly", "error", err)
	}
	if err := d.deps.Artifacts.StopAll(d.config.StopTimeout); err != nil {
		slog.Warn("Artifact loops did not all stop cleanly", "error", err)
	}

	if d.deps.Checkpoints != nil {
		if err := d.saveCheckpoint(reason); err != nil {
			return reason, err
		}
	}
	slog.Info("World stopped", "run_id", d.runID, "reason", reason, "api_cost", d.deps.Costs.Total())
	return reason, nil
}

// watch polls stop conditions at WatchInterval until one fires.
func (d *Driver) watch(ctx context.Context, started time.Time) StopReason {
	ticker := d.clock.Ticker(d.config.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return StopShutdown
		case <-ticker.C:
		}

		if d.Paused() {
			d.mu.Lock()
			resume := d.resume
			d.mu.Unlock()
			select {
			case <-ctx.Done():
				return StopShutdown
			case <-resume:
			}
			continue
		}

		if d.deps.Costs.Exhausted() {
			slog.Warn("Global API budget exhausted", "spent", d.deps.Costs.Total())
			return StopBudgetExhausted
		}
		if d.config.MaxDuration > 0 && d.clock.Since(started) >= d.config.MaxDuration {
			return StopRuntimeExceeded
		}
		if d.deps.Agents.RunningCount() == 0 && d.deps.Artifacts.RunningCount() == 0 {
			return StopNoLoopsRunning
		}
	}
}

// mintLoop polls the auction at MintInterval, skipping polls while the
// budget is exhausted so the scorer cannot spend past the cap.
func (d *Driver) mintLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := d.clock.Ticker(d.config.MintInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if d.deps.Costs.Exhausted() {
			continue
		}
		if _, err := d.deps.Auction.Update(ctx); err != nil {
			slog.Warn("Auction update failed", "error", err)
		}
	}
}

func (d *Driver) saveCheckpoint(reason StopReason) error {
	var agentIDs []string
	for _, snap := range d.deps.Agents.GetAllStates() {
		agentIDs = append(agentIDs, snap.ID)
	}
	eventNumber := uint64(max(d.deps.Events.LastSequence(), 0))
	if err := d.deps.Checkpoints.Save(eventNumber, d.deps.Costs.Total(), agentIDs, string(reason)); err != nil {
		return fmt.Errorf("failed to checkpoint on stop: %w", err)
	}
	return nil
}

func (d *Driver) emit(eventType string, payload map[string]any) {
	if d.deps.Events == nil {
		return
	}
	if _, err := d.deps.Events.Append(eventType, payload); err != nil {
		slog.Error("Failed to append event", "event_type", eventType, "error", err)
	}
}
