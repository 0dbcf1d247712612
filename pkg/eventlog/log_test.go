package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_SequencesAreMonotonic(t *testing.T) {
	log := New(clock.NewMock())

	seq1, err := log.Append(TypeAction, map[string]any{"actor": "alice"})
	require.NoError(t, err)
	seq2, err := log.Append(TypeAction, map[string]any{"actor": "bob"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), seq1)
	assert.Equal(t, int64(2), seq2)

	events := log.Read(ReadOptions{})
	require.Len(t, events, 2)
	assert.Less(t, events[0].Sequence, events[1].Sequence)
	// Tick is a deprecated alias of Sequence.
	assert.Equal(t, events[0].Sequence, events[0].Tick)
}

func TestLog_ConcurrentAppendsAreLinearized(t *testing.T) {
	log := New(clock.NewMock())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := log.Append(TypeTick, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events := log.Read(ReadOptions{})
	require.Len(t, events, 50)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
	}
	assert.Equal(t, int64(50), log.LastSequence())
}

func TestLog_ReadFilters(t *testing.T) {
	log := New(clock.NewMock())

	_, _ = log.Append(TypeAction, map[string]any{"actor": "alice"})
	_, _ = log.Append(TypeThinking, map[string]any{"actor": "alice"})
	_, _ = log.Append(TypeAction, map[string]any{"actor": "bob"})

	byType := log.Read(ReadOptions{Types: []string{TypeAction}})
	assert.Len(t, byType, 2)

	fromSeq := log.Read(ReadOptions{FromSequence: 3})
	require.Len(t, fromSeq, 1)
	assert.Equal(t, int64(3), fromSeq[0].Sequence)

	byPayload := log.Read(ReadOptions{Match: func(e Event) bool {
		return e.Payload["actor"] == "alice"
	}})
	assert.Len(t, byPayload, 2)

	limited := log.Read(ReadOptions{Limit: 1})
	assert.Len(t, limited, 1)
}

func TestFileSink_WritesParseableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewFileSink(path)
	require.NoError(t, err)

	log := New(clock.NewMock(), sink)
	_, err = log.Append(TypeResourceSpent, map[string]any{"amount": 3.5})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var e Event
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &e))
	assert.Equal(t, TypeResourceSpent, e.Type)
	assert.Equal(t, int64(1), e.Sequence)
	assert.Equal(t, 3.5, e.Payload["amount"])
}

func TestReplay_StopsOnError(t *testing.T) {
	log := New(clock.NewMock())
	_, _ = log.Append(TypeAction, nil)
	_, _ = log.Append(TypeAction, nil)
	_, _ = log.Append(TypeAction, nil)

	var seen int
	err := Replay(log.Read(ReadOptions{}), func(e Event) error {
		seen++
		if e.Sequence == 2 {
			return assert.AnError
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, seen)
}
