package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ledger"
)

func newGatewayHarness(t *testing.T, provider Provider) (*Gateway, *ledger.Ledger, *eventlog.Log, *float64) {
	t.Helper()
	log := eventlog.New(clock.NewMock())
	led := ledger.New(ledger.NewIDRegistry(), log)
	reg := NewRegistry()
	reg.Register(provider)
	var tracked float64
	gw := NewGateway(reg, led, log, func(cost float64) { tracked += cost })
	return gw, led, log, &tracked
}

func TestGateway_SuccessfulCall(t *testing.T) {
	provider := &StaticProvider{Content: "hello", CostPer: 0.02}
	gw, led, log, tracked := newGatewayHarness(t, provider)
	require.NoError(t, led.CreatePrincipal("agent", 0, map[string]float64{ledger.ResourceLLMBudget: 1.0}))

	result := gw.Syscall(context.Background(), "agent", "test-model", []map[string]any{
		{"role": "user", "content": "hi"},
	})

	assert.Equal(t, true, result["success"])
	assert.Equal(t, "hello", result["content"])
	assert.InDelta(t, 0.98, led.GetResource("agent", ledger.ResourceLLMBudget), 1e-9)
	assert.InDelta(t, 0.02, *tracked, 1e-9)

	thinking := log.Read(eventlog.ReadOptions{Types: []string{eventlog.TypeThinking}})
	require.Len(t, thinking, 1)
	assert.Equal(t, "test-model", thinking[0].Payload["model"])
}

func TestGateway_ZeroBudgetFailsFast(t *testing.T) {
	provider := &StaticProvider{Content: "never"}
	gw, led, _, _ := newGatewayHarness(t, provider)
	require.NoError(t, led.CreatePrincipal("broke", 0, nil))

	result := gw.Syscall(context.Background(), "broke", "test-model", nil)

	assert.Equal(t, false, result["success"])
	assert.Equal(t, "Budget exhausted", result["error"])
	assert.Zero(t, provider.Calls(), "provider must not be reached on a zero budget")
}

func TestGateway_ProviderErrorIsContained(t *testing.T) {
	provider := &StaticProvider{CallErr: errors.New("upstream down")}
	gw, led, log, _ := newGatewayHarness(t, provider)
	require.NoError(t, led.CreatePrincipal("agent", 0, map[string]float64{ledger.ResourceLLMBudget: 1.0}))

	result := gw.Syscall(context.Background(), "agent", "test-model", nil)

	assert.Equal(t, false, result["success"])
	assert.Contains(t, result["error"], "upstream down")
	assert.Len(t, log.Read(eventlog.ReadOptions{Types: []string{eventlog.TypeThinkingFailed}}), 1)
	assert.InDelta(t, 1.0, led.GetResource("agent", ledger.ResourceLLMBudget), 1e-9, "failed calls cost nothing")
}

func TestGateway_DebitFailureStillSucceeds(t *testing.T) {
	// Cost exceeds the remaining budget; the call already happened, so
	// the syscall reports success and logs the overrun.
	provider := &StaticProvider{Content: "expensive", CostPer: 5.0}
	gw, led, log, tracked := newGatewayHarness(t, provider)
	require.NoError(t, led.CreatePrincipal("agent", 0, map[string]float64{ledger.ResourceLLMBudget: 0.01}))

	result := gw.Syscall(context.Background(), "agent", "test-model", nil)

	assert.Equal(t, true, result["success"])
	assert.Len(t, log.Read(eventlog.ReadOptions{Types: []string{"budget_debit_failed"}}), 1)
	assert.InDelta(t, 5.0, *tracked, 1e-9)
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPer1M: 3.0, OutputPer1M: 15.0}
	cost := p.Cost(Usage{PromptTokens: 1_000_000, CompletionTokens: 100_000})
	assert.InDelta(t, 3.0+1.5, cost, 1e-9)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Default()
	require.Error(t, err)

	a := &StaticProvider{Content: "a"}
	reg.Register(a)

	got, err := reg.Default()
	require.NoError(t, err)
	assert.Same(t, Provider(a), got)

	_, err = reg.Get("missing")
	require.Error(t, err)
	require.Error(t, reg.SetDefault("missing"))
}
