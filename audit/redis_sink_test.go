package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisFixture(t *testing.T, config RedisConfig) (*RedisSink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	config.Addr = mr.Addr()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sink := NewRedisSink(client, config, nil)
	t.Cleanup(sink.Close)
	return sink, mr
}

func TestRedisSink_WritesPerSessionList(t *testing.T) {
	t.Parallel()
	sink, mr := newRedisFixture(t, RedisConfig{})

	sink.Record(context.Background(), &Record{
		ID: "rec-1", SessionID: "s1", Stage: StageStarted, Prompt: "p1",
	})
	sink.Record(context.Background(), &Record{
		ID: "rec-2", SessionID: "s1", Stage: StageCompleted, Response: "r1", Success: true,
	})
	sink.Record(context.Background(), &Record{
		ID: "rec-3", SessionID: "s2", Stage: StageStarted,
	})
	sink.Close()

	entries, err := mr.List(Key("s1"))
	require.NoError(t, err)
	require.Len(t, entries, 2, "records land on the session's own list in order")

	var first, second Record
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(entries[1]), &second))
	assert.Equal(t, StageStarted, first.Stage)
	assert.Equal(t, "p1", first.Prompt)
	assert.Equal(t, StageCompleted, second.Stage)
	assert.True(t, second.Success)

	other, err := mr.List(Key("s2"))
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestRedisSink_AppliesTTL(t *testing.T) {
	t.Parallel()
	sink, mr := newRedisFixture(t, RedisConfig{TTL: time.Hour})

	sink.Record(context.Background(), &Record{ID: "rec-1", SessionID: "s1", Stage: StageStarted})
	sink.Close()

	assert.Equal(t, time.Hour, mr.TTL(Key("s1")))
}

func TestRedisSink_CloseIsIdempotentAndFinal(t *testing.T) {
	t.Parallel()
	sink, mr := newRedisFixture(t, RedisConfig{})

	sink.Record(context.Background(), &Record{ID: "rec-1", SessionID: "s1", Stage: StageStarted})
	sink.Close()
	sink.Close()

	// Records after close are silently ignored.
	sink.Record(context.Background(), &Record{ID: "rec-2", SessionID: "s1", Stage: StageCompleted})

	entries, err := mr.List(Key("s1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRedisSink_RecordNeverBlocksWhenSaturated(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sink := NewRedisSink(client, RedisConfig{BufferSize: 1}, nil)
	t.Cleanup(sink.Close)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			sink.Record(context.Background(), &Record{SessionID: "s1", Stage: StageRetrieval})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a saturated buffer")
	}
}

func TestMemorySink_ByStage(t *testing.T) {
	t.Parallel()
	sink := NewMemorySink()
	sink.Record(context.Background(), &Record{ID: "a", Stage: StageStarted})
	sink.Record(context.Background(), &Record{ID: "b", Stage: StageCompleted})
	sink.Record(context.Background(), &Record{ID: "c", Stage: StageStarted})

	assert.Len(t, sink.Records(), 3)
	started := sink.ByStage(StageStarted)
	require.Len(t, started, 2)
	assert.Equal(t, "a", started[0].ID)
	assert.Equal(t, "c", started[1].ID)
	assert.Empty(t, sink.ByStage(StageFinalized))
}
