package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vivarium/pkg/eventlog"
	"github.com/kadirpekel/vivarium/pkg/ledger"
	"github.com/kadirpekel/vivarium/pkg/loop"
)

func fastLoopConfig() loop.Config {
	return loop.Config{
		MinLoopDelay:          time.Millisecond,
		MaxLoopDelay:          10 * time.Millisecond,
		ResourceCheckInterval: 2 * time.Millisecond,
		MaxConsecutiveErrors:  2,
		StopTimeout:           time.Second,
	}
}

func fastSupConfig() Config {
	return Config{
		CheckInterval:      time.Millisecond,
		MaxRestartsPerHour: 10,
		InitialBackoff:     time.Nanosecond,
		BackoffMultiplier:  2,
		MaxBackoff:         time.Millisecond,
	}
}

type harness struct {
	sup     *Supervisor
	manager *loop.Manager
	ledger  *ledger.Ledger
	events  *eventlog.Log
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := eventlog.New(clock.NewMock())
	led := ledger.New(ledger.NewIDRegistry(), log)
	manager := loop.NewManager()
	sup, err := New(cfg, manager, led, log, clock.New())
	require.NoError(t, err)
	return &harness{sup: sup, manager: manager, ledger: led, events: log}
}

// evaluateUntil runs supervision passes until the predicate holds.
func evaluateUntil(t *testing.T, h *harness, pred func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.sup.Evaluate(context.Background())
		return pred()
	}, 2*time.Second, time.Millisecond)
}

func TestSupervisor_RestartsCrashedLoop(t *testing.T) {
	h := newHarness(t, fastSupConfig())
	require.NoError(t, h.ledger.CreatePrincipal("agent", 100, nil))

	var fail atomic.Bool
	fail.Store(true)
	l, err := loop.New("agent", fastLoopConfig(), func(context.Context) error {
		if fail.Load() {
			return errors.New("crash")
		}
		return nil
	}, clock.New(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Add(l))

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.State() == loop.StatePaused }, time.Second, time.Millisecond)

	fail.Store(false)
	evaluateUntil(t, h, func() bool { return l.State() == loop.StateRunning })

	st, ok := h.sup.State("agent")
	require.True(t, ok)
	assert.Equal(t, DeathDumb, st.LastDeathType)
	assert.Equal(t, 1, st.RestartCount)
	assert.False(t, st.PermanentlyDead)

	restarts := h.events.Read(eventlog.ReadOptions{Types: []string{"agent_restarted"}})
	require.Len(t, restarts, 1)
	assert.Equal(t, "agent", restarts[0].Payload["agent"])

	require.NoError(t, l.Stop(time.Second))
}

func TestSupervisor_SmartDeathOnZeroScrip(t *testing.T) {
	h := newHarness(t, fastSupConfig())
	require.NoError(t, h.ledger.CreatePrincipal("broke", 0, nil))

	l, err := loop.New("broke", fastLoopConfig(), func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Add(l))
	// Loop never started: it sits in STOPPED with zero scrip.

	h.sup.Evaluate(context.Background())

	st, ok := h.sup.State("broke")
	require.True(t, ok)
	assert.Equal(t, DeathSmart, st.LastDeathType)
	assert.True(t, st.PermanentlyDead)
	assert.Equal(t, loop.StateStopped, l.State(), "smart deaths are never restarted")

	deaths := h.events.Read(eventlog.ReadOptions{Types: []string{"agent_permanently_dead"}})
	require.Len(t, deaths, 1)
	assert.Equal(t, "SMART", deaths[0].Payload["death_type"])

	// Re-evaluation does not emit again.
	h.sup.Evaluate(context.Background())
	assert.Len(t, h.events.Read(eventlog.ReadOptions{Types: []string{"agent_permanently_dead"}}), 1)
}

func TestSupervisor_VoluntaryShutdownNeverRestarted(t *testing.T) {
	h := newHarness(t, fastSupConfig())
	require.NoError(t, h.ledger.CreatePrincipal("quitter", 100, nil))

	l, err := loop.New("quitter", fastLoopConfig(), func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Add(l))

	require.NoError(t, l.Start(context.Background()))
	l.MarkVoluntaryShutdown()
	require.NoError(t, l.Stop(time.Second))

	h.sup.Evaluate(context.Background())

	st, _ := h.sup.State("quitter")
	assert.Equal(t, DeathVoluntary, st.LastDeathType)
	assert.True(t, st.PermanentlyDead)
	assert.Equal(t, loop.StateStopped, l.State())
}

func TestSupervisor_CrashReasonPolicyFlags(t *testing.T) {
	tests := []struct {
		name   string
		reason string
		config Config
		want   DeathType
	}{
		{"resource crash without policy", "resource exhausted", fastSupConfig(), DeathSmart},
		{"timeout crash without policy", "sandbox timeout", fastSupConfig(), DeathSmart},
		{"plain crash", "nil dereference", fastSupConfig(), DeathDumb},
	}
	resourceOK := fastSupConfig()
	resourceOK.RestartOnResourceExhaustion = true
	tests = append(tests, struct {
		name   string
		reason string
		config Config
		want   DeathType
	}{"resource crash with policy", "resource exhausted", resourceOK, DeathDumb})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.config)
			require.NoError(t, h.ledger.CreatePrincipal("agent", 100, nil))
			got := h.sup.classify(loop.Snapshot{ID: "agent", State: loop.StatePaused, CrashReason: tt.reason})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupervisor_RestartBudgetExhaustion(t *testing.T) {
	cfg := fastSupConfig()
	cfg.MaxRestartsPerHour = 2
	h := newHarness(t, cfg)
	require.NoError(t, h.ledger.CreatePrincipal("agent", 100, nil))

	l, err := loop.New("agent", fastLoopConfig(), func(context.Context) error {
		return errors.New("always crashing")
	}, clock.New(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, h.manager.Add(l))
	require.NoError(t, l.Start(context.Background()))

	evaluateUntil(t, h, func() bool {
		st, ok := h.sup.State("agent")
		return ok && st.PermanentlyDead
	})

	st, _ := h.sup.State("agent")
	assert.Equal(t, 2, st.RestartCount, "two restarts allowed before the cap")

	require.NoError(t, l.Stop(time.Second))
}

func TestSupervisor_BackoffGrowsAndCaps(t *testing.T) {
	cfg := Config{
		CheckInterval:      time.Millisecond,
		MaxRestartsPerHour: 100,
		InitialBackoff:     time.Second,
		BackoffMultiplier:  3,
		MaxBackoff:         5 * time.Second,
	}
	h := newHarness(t, cfg)
	sup := h.sup

	assert.Equal(t, time.Second, sup.jitteredBackoff(time.Second), "no jitter configured")

	sup.config.JitterFactor = 0.25
	for range 100 {
		b := sup.jitteredBackoff(4 * time.Second)
		assert.GreaterOrEqual(t, b, 3*time.Second)
		assert.LessOrEqual(t, b, 5*time.Second)
	}
}

func TestSupervisor_ConfigValidation(t *testing.T) {
	bad := Config{MaxRestartsPerHour: -1}
	bad.SetDefaults()
	// SetDefaults does not repair explicit negatives.
	assert.Equal(t, -1, bad.MaxRestartsPerHour)
	require.Error(t, bad.Validate())

	bad = Config{JitterFactor: 1.5}
	bad.SetDefaults()
	require.Error(t, bad.Validate())
}
