package metrics

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
)

func TestObserver_DerivesMetricsFromEvents(t *testing.T) {
	o := NewObserver()
	log := eventlog.New(clock.NewMock(), o)

	_, err := log.Append(eventlog.TypeThinking, map[string]any{
		"cost": 0.25, "prompt_tokens": 100, "completion_tokens": 40,
	})
	require.NoError(t, err)
	_, err = log.Append(eventlog.TypeThinking, map[string]any{
		"cost": 0.75, "prompt_tokens": 10, "completion_tokens": 5,
	})
	require.NoError(t, err)

	_, err = log.Append(eventlog.TypeMintAuction, map[string]any{
		"phase": "resolved", "winner": "alice", "minted": int64(100),
		"ubi": int64(2), "recipients": 3,
	})
	require.NoError(t, err)

	_, err = log.Append("agent_restarted", map[string]any{"agent": "bob"})
	require.NoError(t, err)
	_, err = log.Append("agent_permanently_dead", map[string]any{"agent": "bob", "death_type": "SMART"})
	require.NoError(t, err)
	_, err = log.Append(eventlog.TypeIntentRejected, map[string]any{"artifact": "vault"})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, testutil.ToFloat64(o.apiCostDollars), 1e-9)
	assert.Equal(t, 110.0, testutil.ToFloat64(o.promptTokens))
	assert.Equal(t, 45.0, testutil.ToFloat64(o.completionToken))
	assert.Equal(t, 100.0, testutil.ToFloat64(o.scripMinted))
	assert.Equal(t, 6.0, testutil.ToFloat64(o.ubiDistributed))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.agentRestarts))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.permanentDeaths.WithLabelValues("SMART")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.intentsRejected))
	assert.Equal(t, 2.0, testutil.ToFloat64(o.eventsTotal.WithLabelValues(eventlog.TypeThinking)))
}

func TestObserver_IgnoresMalformedPayloads(t *testing.T) {
	o := NewObserver()
	require.NoError(t, o.Write(eventlog.Event{Type: eventlog.TypeThinking, Payload: map[string]any{"cost": "free"}}))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.apiCostDollars))
	require.NoError(t, o.Close())
}
