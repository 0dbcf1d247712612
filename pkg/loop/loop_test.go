package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/vivarium/pkg/ratelimit"
)

// fastConfig keeps test loops spinning in real time without burning CPU.
func fastConfig() Config {
	return Config{
		MinLoopDelay:          time.Millisecond,
		MaxLoopDelay:          50 * time.Millisecond,
		ResourceCheckInterval: 5 * time.Millisecond,
		MaxConsecutiveErrors:  3,
		StopTimeout:           time.Second,
	}
}

func TestLoop_StartIterateStop(t *testing.T) {
	var iterations atomic.Int64
	l, err := New("worker", fastConfig(), func(context.Context) error {
		iterations.Add(1)
		return nil
	}, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return iterations.Load() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, l.Stop(time.Second))
	assert.Equal(t, StateStopped, l.State())

	snap := l.Snapshot()
	assert.GreaterOrEqual(t, snap.IterationCount, int64(3))
	assert.Zero(t, snap.ConsecutiveErrors)
}

func TestLoop_StartIsIdempotent(t *testing.T) {
	l, err := New("worker", fastConfig(), func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()), "second start warns but does not fail")
	require.NoError(t, l.Stop(time.Second))

	// A stopped loop can be started again.
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_PausesAfterConsecutiveErrors(t *testing.T) {
	l, err := New("crasher", fastConfig(), func(context.Context) error {
		return errors.New("iteration exploded")
	}, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.State() == StatePaused }, time.Second, time.Millisecond)

	snap := l.Snapshot()
	assert.Equal(t, 3, snap.ConsecutiveErrors)
	assert.Contains(t, snap.CrashReason, "iteration exploded")

	// Paused-on-crash loops stop iterating until restarted.
	count := l.Snapshot().IterationCount
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, l.Snapshot().IterationCount)

	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_ResetForRestartClearsFailureState(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	l, err := New("flaky", fastConfig(), func(context.Context) error {
		if fail.Load() {
			return errors.New("transient")
		}
		return nil
	}, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.State() == StatePaused }, time.Second, time.Millisecond)

	fail.Store(false)
	l.ResetForRestart()
	require.Eventually(t, func() bool {
		snap := l.Snapshot()
		return snap.State == StateRunning && snap.ConsecutiveErrors == 0 && snap.CrashReason == ""
	}, time.Second, time.Millisecond)

	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_SleepAndWake(t *testing.T) {
	l, err := New("sleeper", fastConfig(), func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	l.Sleep(WakeCondition{Kind: WakeKindEvent, Event: "mail"})
	require.Eventually(t, func() bool { return l.State() == StateSleeping }, time.Second, time.Millisecond)
	require.NotNil(t, l.Snapshot().WakeCondition)

	l.Wake()
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)
	assert.Nil(t, l.Snapshot().WakeCondition)

	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_TimeWakeCondition(t *testing.T) {
	l, err := New("alarm", fastConfig(), func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	l.Sleep(WakeCondition{Kind: WakeKindTime, At: time.Now().Add(20 * time.Millisecond)})
	require.Eventually(t, func() bool { return l.State() == StateRunning }, time.Second, time.Millisecond)

	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_AliveCheckStopsLoop(t *testing.T) {
	var iterations atomic.Int64
	l, err := New("mortal", fastConfig(), func(context.Context) error {
		iterations.Add(1)
		return nil
	}, clock.New(), nil, nil)
	require.NoError(t, err)
	l.SetAliveCheck(func() bool { return iterations.Load() < 2 })

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.State() == StateStopped }, time.Second, time.Millisecond)
	assert.Equal(t, int64(2), iterations.Load())
}

func TestLoop_SkipPolicyPausesOnExhaustedResource(t *testing.T) {
	limiter, err := ratelimit.New(time.Minute, clock.New())
	require.NoError(t, err)
	require.NoError(t, limiter.ConfigureLimit("llm_calls", 0))

	cfg := fastConfig()
	cfg.ResourcesToCheck = []string{"llm_calls"}
	cfg.ExhaustionPolicy = PolicySkip

	var iterations atomic.Int64
	l, err := New("gated", cfg, func(context.Context) error {
		iterations.Add(1)
		return nil
	}, clock.New(), limiter, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.State() == StatePaused }, time.Second, time.Millisecond)
	assert.Zero(t, iterations.Load(), "no iteration may run without capacity")

	// Capacity returning resumes the loop.
	require.NoError(t, limiter.ConfigureLimit("llm_calls", 100))
	require.Eventually(t, func() bool { return iterations.Load() > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, StateRunning, l.State())

	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_StopRightAfterStartIsGraceful(t *testing.T) {
	var iterations atomic.Int64
	l, err := New("shortlived", fastConfig(), func(context.Context) error {
		iterations.Add(1)
		return nil
	}, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	begin := time.Now()
	require.NoError(t, l.Stop(time.Second))
	assert.Less(t, time.Since(begin), 500*time.Millisecond, "stop must not degrade to forced cancellation")
	assert.Equal(t, StateStopped, l.State())

	count := iterations.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, iterations.Load(), "no iterations after stop returned")
}

func TestLoop_BlockPolicyWaitsForCapacity(t *testing.T) {
	limiter, err := ratelimit.New(50*time.Millisecond, clock.New())
	require.NoError(t, err)
	require.NoError(t, limiter.ConfigureLimit("llm_calls", 1))
	require.True(t, limiter.Consume("patient", "llm_calls", 1))

	cfg := fastConfig()
	cfg.ResourcesToCheck = []string{"llm_calls"}
	cfg.ExhaustionPolicy = PolicyBlock

	var iterations atomic.Int64
	l, err := New("patient", cfg, func(context.Context) error {
		iterations.Add(1)
		return nil
	}, clock.New(), limiter, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, iterations.Load(), "blocked until the window rolls over")

	// The consumed record ages out of the rolling window and the wait
	// returns, so iterations resume without intervention.
	require.Eventually(t, func() bool { return iterations.Load() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_BlockPolicyStopInterruptsWait(t *testing.T) {
	limiter, err := ratelimit.New(time.Minute, clock.New())
	require.NoError(t, err)
	require.NoError(t, limiter.ConfigureLimit("llm_calls", 1))
	require.True(t, limiter.Consume("patient", "llm_calls", 1))

	cfg := fastConfig()
	cfg.ResourcesToCheck = []string{"llm_calls"}
	cfg.ExhaustionPolicy = PolicyBlock

	var iterations atomic.Int64
	l, err := New("patient", cfg, func(context.Context) error {
		iterations.Add(1)
		return nil
	}, clock.New(), limiter, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	time.Sleep(10 * time.Millisecond) // let the loop enter the capacity wait

	begin := time.Now()
	require.NoError(t, l.Stop(time.Second))
	assert.Less(t, time.Since(begin), 500*time.Millisecond, "stop interrupts the capacity wait")
	assert.Equal(t, StateStopped, l.State())
	assert.Zero(t, iterations.Load(), "capacity never returned, so nothing may have run")
}

func TestLoop_VoluntaryShutdownFlag(t *testing.T) {
	l, err := New("quitter", fastConfig(), func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	l.MarkVoluntaryShutdown()
	require.NoError(t, l.Stop(time.Second))

	snap := l.Snapshot()
	assert.Equal(t, StateStopped, snap.State)
	assert.True(t, snap.VoluntaryShutdown)
}

func TestLoop_ConfigValidation(t *testing.T) {
	bad := Config{MinLoopDelay: 10 * time.Second, MaxLoopDelay: time.Second}
	_, err := New("bad", bad, func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.Error(t, err)

	bad = Config{ExhaustionPolicy: "panic"}
	_, err = New("bad", bad, func(context.Context) error { return nil }, clock.New(), nil, nil)
	require.Error(t, err)

	_, err = New("nobody", fastConfig(), nil, clock.New(), nil, nil)
	require.Error(t, err)
}

func TestAgentLoop_DecideExecute(t *testing.T) {
	var executed atomic.Int64
	decisions := make(chan any, 3)
	decisions <- "act"
	decisions <- nil // nothing to do, execute must be skipped
	decisions <- "act"

	callbacks := AgentCallbacks{
		DecideAction: func(context.Context) (any, error) {
			select {
			case d := <-decisions:
				return d, nil
			default:
				return nil, nil
			}
		},
		ExecuteAction: func(_ context.Context, action any) error {
			executed.Add(1)
			return nil
		},
	}

	l, err := NewAgentLoop("agent", fastConfig(), callbacks, clock.New(), nil, nil)
	require.NoError(t, err)

	require.NoError(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return executed.Load() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, l.Stop(time.Second))
}

func TestAgentLoop_RequiresCallbacks(t *testing.T) {
	_, err := NewAgentLoop("agent", fastConfig(), AgentCallbacks{}, clock.New(), nil, nil)
	require.Error(t, err)
}
