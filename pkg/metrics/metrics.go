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

// Package metrics derives prometheus collectors from the event stream.
// The Observer is an eventlog sink, so every component that emits events
// is instrumented without extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
)

// Observer translates events into prometheus metrics. It implements
// eventlog.Sink.
type Observer struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	apiCostDollars  prometheus.Counter
	promptTokens    prometheus.Counter
	completionToken prometheus.Counter
	scripMinted     prometheus.Counter
	ubiDistributed  prometheus.Counter
	agentRestarts   prometheus.Counter
	permanentDeaths *prometheus.CounterVec
	intentsRejected prometheus.Counter
}

// NewObserver creates an observer with its own registry.
func NewObserver() *Observer {
	o := &Observer{
		registry: prometheus.NewRegistry(),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "events_total",
			Help:      "Events appended to the log, by type.",
		}, []string{"event_type"}),
		apiCostDollars: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "api_cost_dollars_total",
			Help:      "Cumulative model API spend in dollars.",
		}),
		promptTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "prompt_tokens_total",
			Help:      "Prompt tokens consumed by model calls.",
		}),
		completionToken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "completion_tokens_total",
			Help:      "Completion tokens produced by model calls.",
		}),
		scripMinted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "scrip_minted_total",
			Help:      "Scrip created by resolved mint auctions.",
		}),
		ubiDistributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "ubi_scrip_total",
			Help:      "Scrip distributed as UBI.",
		}),
		agentRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "agent_restarts_total",
			Help:      "Supervisor-initiated agent restarts.",
		}),
		permanentDeaths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "agent_permanent_deaths_total",
			Help:      "Agents marked permanently dead, by death type.",
		}, []string{"death_type"}),
		intentsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vivarium",
			Name:      "intents_rejected_total",
			Help:      "Actions denied by access contracts.",
		}),
	}
	o.registry.MustRegister(
		o.eventsTotal, o.apiCostDollars, o.promptTokens, o.completionToken,
		o.scripMinted, o.ubiDistributed, o.agentRestarts, o.permanentDeaths,
		o.intentsRejected,
	)
	return o
}

// Registry exposes the collectors for scraping or test gathering.
func (o *Observer) Registry() *prometheus.Registry { return o.registry }

// Write implements eventlog.Sink.
func (o *Observer) Write(e eventlog.Event) error {
	o.eventsTotal.WithLabelValues(e.Type).Inc()

	switch e.Type {
	case eventlog.TypeThinking:
		o.apiCostDollars.Add(payloadFloat(e.Payload, "cost"))
		o.promptTokens.Add(payloadFloat(e.Payload, "prompt_tokens"))
		o.completionToken.Add(payloadFloat(e.Payload, "completion_tokens"))
	case eventlog.TypeMintAuction:
		if phase, _ := e.Payload["phase"].(string); phase == "resolved" {
			o.scripMinted.Add(payloadFloat(e.Payload, "minted"))
			ubi := payloadFloat(e.Payload, "ubi") * payloadFloat(e.Payload, "recipients")
			o.ubiDistributed.Add(ubi)
		}
	case "agent_restarted":
		o.agentRestarts.Inc()
	case "agent_permanently_dead":
		deathType, _ := e.Payload["death_type"].(string)
		o.permanentDeaths.WithLabelValues(deathType).Inc()
	case eventlog.TypeIntentRejected:
		o.intentsRejected.Inc()
	}
	return nil
}

// Close implements eventlog.Sink.
func (o *Observer) Close() error { return nil }

// payloadFloat reads a numeric payload field regardless of the concrete
// numeric type it was emitted with.
func payloadFloat(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
