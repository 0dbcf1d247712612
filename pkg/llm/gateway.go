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

package llm

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ledger"
)

// CostTracker observes every dollar of API spend. The driver wires this
// into its global budget accounting.
type CostTracker func(cost float64)

// Gateway is the budget-governed path between artifact code and model
// providers. It never lets a provider failure escape as an error; every
// outcome is a result table.
type Gateway struct {
	registry *Registry
	ledger   *ledger.Ledger
	events   *eventlog.Log
	track    CostTracker
}

// NewGateway builds a gateway. track may be nil.
func NewGateway(registry *Registry, led *ledger.Ledger, events *eventlog.Log, track CostTracker) *Gateway {
	return &Gateway{registry: registry, ledger: led, events: events, track: track}
}

// Syscall performs one model call on behalf of callerID, debiting the
// caller's llm_budget resource afterwards. A caller with a zero budget
// fails fast without reaching the provider. A debit failure after the
// call still returns success; the overrun is bounded by that one call
// and surfaced as a warning event.
func (g *Gateway) Syscall(ctx context.Context, callerID, model string, rawMessages []map[string]any) map[string]any {
	if g.ledger.GetResource(callerID, ledger.ResourceLLMBudget) <= 0 {
		return map[string]any{"success": false, "error": "Budget exhausted"}
	}

	provider, err := g.registry.Default()
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}

	messages := make([]Message, 0, len(rawMessages))
	for _, m := range rawMessages {
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		messages = append(messages, Message{Role: role, Content: content})
	}

	resp, err := provider.Generate(ctx, model, messages)
	if err != nil {
		g.emit(eventlog.TypeThinkingFailed, map[string]any{
			"caller": callerID,
			"model":  model,
			"error":  err.Error(),
		})
		return map[string]any{"success": false, "error": err.Error()}
	}

	if resp.Cost > 0 {
		if err := g.ledger.SpendResource(callerID, ledger.ResourceLLMBudget, resp.Cost); err != nil {
			slog.Warn("Budget debit failed after model call", "caller", callerID, "cost", resp.Cost, "error", err)
			g.emit("budget_debit_failed", map[string]any{
				"caller": callerID,
				"model":  model,
				"cost":   resp.Cost,
				"error":  err.Error(),
			})
		}
	}
	if g.track != nil {
		g.track(resp.Cost)
	}

	g.emit(eventlog.TypeThinking, map[string]any{
		"caller":            callerID,
		"model":             model,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"cost":              resp.Cost,
	})

	return map[string]any{
		"success": true,
		"content": resp.Content,
		"usage": map[string]any{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
		"cost": resp.Cost,
	}
}

func (g *Gateway) emit(eventType string, payload map[string]any) {
	if g.events == nil {
		return
	}
	if _, err := g.events.Append(eventType, payload); err != nil {
		slog.Warn("Failed to append gateway event", "event_type", eventType, "error", err)
	}
}
