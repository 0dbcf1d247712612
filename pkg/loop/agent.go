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

package loop

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/executor"
	"github.com/kadirpekel/vivarium/pkg/ratelimit"
)

// AgentCallbacks are the two-phase agent body plus an optional liveness
// check. DecideAction returning a nil action means nothing to do this
// iteration.
type AgentCallbacks struct {
	DecideAction  func(ctx context.Context) (any, error)
	ExecuteAction func(ctx context.Context, action any) error
	IsAlive       func() bool
}

// NewAgentLoop builds a loop whose body is decide-then-execute.
func NewAgentLoop(id string, cfg Config, callbacks AgentCallbacks, c clock.Clock, limiter *ratelimit.Limiter, events *eventlog.Log) (*Loop, error) {
	if callbacks.DecideAction == nil || callbacks.ExecuteAction == nil {
		return nil, fmt.Errorf("agent loop %q: decide and execute callbacks are required", id)
	}

	iterate := func(ctx context.Context) error {
		action, err := callbacks.DecideAction(ctx)
		if err != nil {
			return fmt.Errorf("decide failed: %w", err)
		}
		if action == nil {
			return nil
		}
		if err := callbacks.ExecuteAction(ctx, action); err != nil {
			return fmt.Errorf("execute failed: %w", err)
		}
		return nil
	}

	l, err := New(id, cfg, iterate, c, limiter, events)
	if err != nil {
		return nil, err
	}
	if callbacks.IsAlive != nil {
		l.SetAliveCheck(callbacks.IsAlive)
	}
	return l, nil
}

// NewArtifactLoop builds a loop that invokes the artifact's own code via
// the executor, with the artifact as its own principal.
func NewArtifactLoop(id string, cfg Config, exec *executor.Executor, c clock.Clock, limiter *ratelimit.Limiter, events *eventlog.Log) (*Loop, error) {
	iterate := func(ctx context.Context) error {
		result := exec.Execute(ctx, id, id, "", nil)
		if !result.Success {
			return fmt.Errorf("artifact iteration failed: %s", result.Error)
		}
		return nil
	}
	return New(id, cfg, iterate, c, limiter, events)
}
