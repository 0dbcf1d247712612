package ratelimit

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	l, err := New(60*time.Second, mock)
	require.NoError(t, err)
	return l, mock
}

func TestLimiter_RollingWindow(t *testing.T) {
	l, mock := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("llm_calls", 10))

	assert.True(t, l.Consume("a", "llm_calls", 10))
	assert.False(t, l.HasCapacity("a", "llm_calls", 1))
	assert.Equal(t, 10.0, l.GetUsage("a", "llm_calls"))
	assert.Equal(t, 0.0, l.GetRemaining("a", "llm_calls"))

	mock.Add(61 * time.Second)

	assert.Equal(t, 0.0, l.GetUsage("a", "llm_calls"))
	assert.Equal(t, 10.0, l.GetRemaining("a", "llm_calls"))
	assert.True(t, l.Consume("a", "llm_calls", 1))
}

func TestLimiter_UnconfiguredResourceIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(t)

	assert.True(t, l.Consume("a", "anything", 1e9))
	assert.True(t, l.HasCapacity("a", "anything", 1e12))
	assert.True(t, math.IsInf(l.GetRemaining("a", "anything"), 1))
}

func TestLimiter_ConsumeEdgeCases(t *testing.T) {
	l, _ := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r", 5))

	assert.False(t, l.Consume("a", "r", -1))
	assert.True(t, l.Consume("a", "r", 0))
	assert.Equal(t, 0.0, l.GetUsage("a", "r"))

	assert.True(t, l.Consume("a", "r", 5))
	assert.False(t, l.Consume("a", "r", 0.1))
}

func TestLimiter_ConsumeAtomicUnderContention(t *testing.T) {
	l, _ := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r", 10))

	var mu sync.Mutex
	successes := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Consume("a", "r", 6) {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Two interleaved consumes whose sum exceeds the limit: at most one wins.
	assert.Equal(t, 1, successes)
}

func TestLimiter_TimeUntilCapacity(t *testing.T) {
	l, mock := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r", 10))

	assert.Equal(t, time.Duration(0), l.TimeUntilCapacity("a", "r", 5))

	require.True(t, l.Consume("a", "r", 4))
	mock.Add(20 * time.Second)
	require.True(t, l.Consume("a", "r", 6))

	// Needs 4: the oldest record (4 units, 20s old) expiring frees enough.
	assert.Equal(t, 40*time.Second, l.TimeUntilCapacity("a", "r", 4))

	// Needs 5: both records must expire; the second one is newest.
	assert.Equal(t, 60*time.Second, l.TimeUntilCapacity("a", "r", 5))

	// More than the limit can never fit; the window is the bound.
	assert.Equal(t, 60*time.Second, l.TimeUntilCapacity("a", "r", 11))
}

func TestLimiter_WaitForCapacity(t *testing.T) {
	l, mock := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r", 10))
	require.True(t, l.Consume("a", "r", 10))

	done := make(chan bool, 1)
	go func() {
		done <- l.WaitForCapacity(context.Background(), "a", "r", 1, 2*time.Minute)
	}()

	time.Sleep(50 * time.Millisecond) // let the waiter park on the mock clock
	mock.Add(61 * time.Second)

	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake after window expiry")
	}
	assert.Equal(t, 1.0, l.GetUsage("a", "r"))
}

func TestLimiter_WaitForCapacityTimeout(t *testing.T) {
	l, mock := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r", 10))
	require.True(t, l.Consume("a", "r", 10))

	done := make(chan bool, 1)
	go func() {
		done <- l.WaitForCapacity(context.Background(), "a", "r", 1, 10*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	mock.Add(11 * time.Second)

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not time out")
	}
	// Timed-out waits never consume.
	assert.Equal(t, 10.0, l.GetUsage("a", "r"))
}

func TestLimiter_WaitForCapacityZeroAmount(t *testing.T) {
	l, _ := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r", 1))
	require.True(t, l.Consume("a", "r", 1))

	assert.True(t, l.WaitForCapacity(context.Background(), "a", "r", 0, time.Second))
	assert.Equal(t, 1.0, l.GetUsage("a", "r"))
}

func TestLimiter_WaitForCapacityContextCancel(t *testing.T) {
	l, _ := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r", 1))
	require.True(t, l.Consume("a", "r", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		done <- l.WaitForCapacity(ctx, "a", "r", 1, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not observe cancellation")
	}
}

func TestLimiter_ResetSelective(t *testing.T) {
	l, _ := newTestLimiter(t)
	require.NoError(t, l.ConfigureLimit("r1", 10))
	require.NoError(t, l.ConfigureLimit("r2", 10))

	require.True(t, l.Consume("a", "r1", 5))
	require.True(t, l.Consume("a", "r2", 5))
	require.True(t, l.Consume("b", "r1", 5))

	l.Reset("a", "r1")
	assert.Equal(t, 0.0, l.GetUsage("a", "r1"))
	assert.Equal(t, 5.0, l.GetUsage("a", "r2"))
	assert.Equal(t, 5.0, l.GetUsage("b", "r1"))

	l.Reset("", "")
	assert.Equal(t, 0.0, l.GetUsage("a", "r2"))
	assert.Equal(t, 0.0, l.GetUsage("b", "r1"))
}
