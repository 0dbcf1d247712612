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

// Package world assembles a runnable world from configuration: event
// log, ledger, artifact store, sandbox, executor, model gateway, loops,
// supervisor, auction, and driver, plus the genesis artifacts.
package world

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/kadirpekel/vivarium/pkg/artifact"
	"github.com/kadirpekel/vivarium/pkg/auction"
	"github.com/kadirpekel/vivarium/pkg/checkpoint"
	"github.com/kadirpekel/vivarium/pkg/config"
	"github.com/kadirpekel/vivarium/pkg/driver"
	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/executor"
	"github.com/kadirpekel/vivarium/pkg/kernel"
	"github.com/kadirpekel/vivarium/pkg/ledger"
	"github.com/kadirpekel/vivarium/pkg/llm"
	"github.com/kadirpekel/vivarium/pkg/loop"
	"github.com/kadirpekel/vivarium/pkg/metrics"
	"github.com/kadirpekel/vivarium/pkg/ratelimit"
	"github.com/kadirpekel/vivarium/pkg/sandbox"
	"github.com/kadirpekel/vivarium/pkg/supervisor"
)

// GatewayArtifactID is the genesis artifact wrapping the model syscall.
const GatewayArtifactID = "kernel_llm_gateway"

// gatewayCode exposes _syscall_llm to artifacts that lack the capability
// themselves. The first positional argument is the request table:
// {model=..., messages={...}}.
const gatewayCode = `
function handle_request(caller, operation, args)
    args = args or {}
    local req = args[1] or {}
    return _syscall_llm(req.model or "", req.messages or {})
end
`

// World is a fully wired runtime.
type World struct {
	Config      *config.Config
	Clock       clock.Clock
	Events      *eventlog.Log
	Registry    *ledger.IDRegistry
	Ledger      *ledger.Ledger
	Limiter     *ratelimit.Limiter
	Store       *artifact.Store
	VM          *sandbox.VM
	Executor    *executor.Executor
	Providers   *llm.Registry
	Gateway     *llm.Gateway
	Costs       *driver.CostTracker
	Agents      *loop.Manager
	Artifacts   *loop.Manager
	Supervisor  *supervisor.Supervisor
	Auction     *auction.Auction
	Checkpoints *checkpoint.Manager
	Driver      *driver.Driver
	Metrics     *metrics.Observer

	closers []io.Closer
}

// Build wires a world from configuration. The clock may be nil for
// real time.
func Build(cfg *config.Config, c clock.Clock) (*World, error) {
	if c == nil {
		c = clock.New()
	}
	w := &World{Config: cfg, Clock: c}

	w.Metrics = metrics.NewObserver()
	sinks := []eventlog.Sink{w.Metrics}
	if cfg.Events.LogFile != "" {
		sink, err := eventlog.NewFileSink(cfg.Events.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open event log file: %w", err)
		}
		sinks = append(sinks, sink)
	}
	w.Events = eventlog.New(c, sinks...)

	w.Registry = ledger.NewIDRegistry()
	w.Ledger = ledger.New(w.Registry, w.Events)

	if cfg.RateLimiting.Enabled {
		limiter, err := ratelimit.New(cfg.RateLimiting.Window(), c)
		if err != nil {
			return nil, err
		}
		for name, limit := range cfg.RateLimiting.Resources {
			if err := limiter.ConfigureLimit(name, limit.MaxPerWindow); err != nil {
				return nil, err
			}
		}
		w.Limiter = limiter
	}

	backend, err := w.openBackend()
	if err != nil {
		return nil, err
	}
	w.Store = artifact.NewStore(backend, w.Registry, w.Events, c)
	w.Store.SetStandingChecker(w.Ledger)

	w.VM = sandbox.NewVM(cfg.Executor.Timeout())
	w.Store.SetCodeValidator(func(code string) error {
		return w.VM.Validate(code)
	})

	state := kernel.NewState(w.Ledger, w.Store, nil)
	actions := kernel.NewActions(w.Ledger, w.Events)
	w.Executor = executor.New(w.VM, w.Store, w.Ledger, state, actions, w.Events, cfg.Executor.MaxContractDepth)

	if err := w.buildLLM(); err != nil {
		return nil, err
	}
	if err := w.seed(); err != nil {
		return nil, err
	}

	w.Agents = loop.NewManager()
	w.Artifacts = loop.NewManager()
	if err := w.discoverLoops(); err != nil {
		return nil, err
	}

	if cfg.Supervisor.Enabled {
		sup, err := supervisor.New(cfg.Supervisor.ToSupervisorConfig(), w.Agents, w.Ledger, w.Events, c)
		if err != nil {
			return nil, err
		}
		w.Supervisor = sup
	}
	if cfg.Auction.Enabled {
		// Scoring falls back to the highest bid; an LLM scorer can be
		// injected here once one is seeded.
		auc, err := auction.New(cfg.Auction.ToAuctionConfig(), w.Ledger, w.Events, c, nil)
		if err != nil {
			return nil, err
		}
		w.Auction = auc
	}
	if cfg.Budget.CheckpointFile != "" {
		w.Checkpoints = checkpoint.NewManager(cfg.Budget.CheckpointFile, w.Ledger, w.Store, c, []string{GatewayArtifactID})
	}

	d, err := driver.New(driver.Config{
		MaxDuration: cfg.World.MaxDuration(),
	}, driver.Deps{
		Events:      w.Events,
		Agents:      w.Agents,
		Artifacts:   w.Artifacts,
		Supervisor:  w.Supervisor,
		Auction:     w.Auction,
		Checkpoints: w.Checkpoints,
		Costs:       w.Costs,
		Clock:       c,
	})
	if err != nil {
		return nil, err
	}
	w.Driver = d
	return w, nil
}

// Restore rehydrates ledger and artifact state from the checkpoint file
// and resumes global cost accounting from it.
func (w *World) Restore() error {
	if w.Checkpoints == nil {
		return fmt.Errorf("no checkpoint file configured")
	}
	doc, err := w.Checkpoints.Restore()
	if err != nil {
		return err
	}
	w.Costs.SetTotal(doc.CumulativeAPICost)
	if err := w.discoverLoops(); err != nil {
		return err
	}
	return nil
}

// Close releases file-backed resources.
func (w *World) Close() error {
	var firstErr error
	for _, c := range w.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.Events.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (w *World) openBackend() (artifact.Backend, error) {
	switch w.Config.Storage.Backend {
	case config.StorageBolt:
		backend, err := artifact.NewBoltBackend(w.Config.Storage.Path)
		if err != nil {
			return nil, err
		}
		w.closers = append(w.closers, backend)
		return backend, nil
	case config.StorageMemory, "":
		return artifact.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", w.Config.Storage.Backend)
	}
}

func (w *World) buildLLM() error {
	w.Providers = llm.NewRegistry()
	switch w.Config.LLM.Provider {
	case "openai":
		provider, err := llm.NewOpenAIProvider(&llm.OpenAIConfig{
			Host:       w.Config.LLM.BaseURL,
			APIKey:     w.Config.LLM.APIKey,
			Timeout:    int(w.Config.LLM.TimeoutSeconds),
			MaxRetries: w.Config.LLM.MaxRetries,
			Pricing:    w.pricingTable(),
		})
		if err != nil {
			return err
		}
		w.Providers.Register(provider)
	case "static", "":
		w.Providers.Register(&llm.StaticProvider{Content: "ok"})
	default:
		return fmt.Errorf("unknown llm provider %q", w.Config.LLM.Provider)
	}

	w.Costs = driver.NewCostTracker(w.Config.Budget.MaxAPICost)
	w.Gateway = llm.NewGateway(w.Providers, w.Ledger, w.Events, w.Costs.Track)

	defaultModel := w.Config.LLM.DefaultModel
	gateway := w.Gateway
	w.Executor.SetLLMSyscall(func(ctx context.Context, callerID, model string, messages []map[string]any) map[string]any {
		if model == "" {
			model = defaultModel
		}
		return gateway.Syscall(ctx, callerID, model, messages)
	})
	return nil
}

// pricingTable merges per-model pricing with the default so unknown
// models still cost something.
func (w *World) pricingTable() map[string]llm.Pricing {
	table := make(map[string]llm.Pricing, len(w.Config.Models.Pricing)+1)
	for model, p := range w.Config.Models.Pricing {
		table[model] = p
	}
	if _, ok := table[w.Config.LLM.DefaultModel]; !ok {
		table[w.Config.LLM.DefaultModel] = w.Config.Models.DefaultPricing
	}
	return table
}

// seed creates the configured principals and artifacts, then the genesis
// gateway artifact.
func (w *World) seed() error {
	for _, p := range w.Config.World.Seed.Principals {
		if err := w.Ledger.CreatePrincipal(p.ID, p.Scrip, p.Resources); err != nil {
			return fmt.Errorf("failed to seed principal %q: %w", p.ID, err)
		}
	}
	for _, a := range w.Config.World.Seed.Artifacts {
		caller := a.CreatedBy
		if caller == "" {
			caller = "genesis"
		}
		_, err := w.Store.Write(artifact.WriteParams{
			ID:               a.ID,
			Type:             artifact.Type(a.Type),
			Content:          a.Content,
			Caller:           caller,
			Executable:       a.Executable,
			Code:             a.Code,
			Capabilities:     a.Capabilities,
			AccessContractID: a.AccessContractID,
			HasStanding:      w.Ledger.Exists(a.ID),
			HasLoop:          a.HasLoop,
		})
		if err != nil {
			return fmt.Errorf("failed to seed artifact %q: %w", a.ID, err)
		}
	}

	if _, ok := w.Store.Get(GatewayArtifactID); !ok {
		_, err := w.Store.Write(artifact.WriteParams{
			ID:           GatewayArtifactID,
			Type:         artifact.TypeExecutable,
			Caller:       "genesis",
			Executable:   true,
			Code:         gatewayCode,
			Capabilities: []string{artifact.CapabilityCallLLM},
		})
		if err != nil {
			return fmt.Errorf("failed to seed gateway artifact: %w", err)
		}
	}
	return nil
}

// discoverLoops registers a loop for every live artifact carrying code
// and the has_loop flag. Agent-typed artifacts land in the supervised
// agents manager, the rest in the artifacts manager.
func (w *World) discoverLoops() error {
	agentCfg := w.Config.Execution.AgentLoop.ToLoopConfig()
	artifactCfg := w.Config.Execution.ArtifactLoop.ToLoopConfig()

	for _, a := range w.Store.List() {
		if !a.HasLoop || a.Code == "" || a.Deleted {
			continue
		}
		manager, cfg := w.Artifacts, artifactCfg
		if a.Type == artifact.TypeAgent {
			manager, cfg = w.Agents, agentCfg
		}
		if _, exists := manager.Get(a.ID); exists {
			continue
		}
		l, err := loop.NewArtifactLoop(a.ID, cfg, w.Executor, w.Clock, w.Limiter, w.Events)
		if err != nil {
			return err
		}
		id := a.ID
		l.SetAliveCheck(func() bool {
			current, ok := w.Store.Get(id)
			return ok && !current.Deleted
		})
		if err := manager.Add(l); err != nil {
			return err
		}
		slog.Debug("Registered loop", "artifact", id, "type", a.Type)
	}
	return nil
}
