package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowdialog/audit"
	"github.com/BaSui01/flowdialog/flow"
	"github.com/BaSui01/flowdialog/roles"
)

type scriptedRetriever struct {
	mu      sync.Mutex
	calls   []string // kbID per call
	results map[string][]Chunk
	fail    map[string]int // kbID → number of failures before success
}

func (r *scriptedRetriever) Retrieve(_ context.Context, kbIDs []string, _ string, _ RetrieveOptions) ([]Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kbID := kbIDs[0]
	r.calls = append(r.calls, kbID)
	if r.fail[kbID] > 0 {
		r.fail[kbID]--
		return nil, fmt.Errorf("kb %s unavailable", kbID)
	}
	return r.results[kbID], nil
}

type fixedTokenizer struct{}

// one token per character keeps budget math in the tests trivial
func (fixedTokenizer) CountTokens(text string) int { return len(text) }

func newTestAdapter(retriever Retriever, tokenizer Tokenizer, sink audit.Sink) (*Adapter, *[]time.Duration) {
	a := NewAdapter(retriever, tokenizer, sink, RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      100 * time.Millisecond,
		MaxDelay:       300 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, nil)
	slept := &[]time.Duration{}
	a.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return a, slept
}

func kbConfig(budget int, ids ...string) *flow.KnowledgeBaseConfig {
	return &flow.KnowledgeBaseConfig{
		Enabled:          true,
		KnowledgeBaseIDs: ids,
		RetrievalParams:  flow.RetrievalParams{TopK: 5, MaxContextLength: budget},
	}
}

func TestAugment_DisabledOrMissingConfig(t *testing.T) {
	t.Parallel()
	a, _ := newTestAdapter(&scriptedRetriever{}, nil, nil)

	aug := a.Augment(context.Background(), "s1", nil, nil, "q")
	assert.Empty(t, aug.Fragment)
	assert.False(t, aug.Degraded)

	cfg := kbConfig(0, "kb-1")
	cfg.Enabled = false
	aug = a.Augment(context.Background(), "s1", cfg, nil, "q")
	assert.Empty(t, aug.Fragment)
	assert.False(t, aug.Degraded)
}

func TestAugment_RetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{
		results: map[string][]Chunk{"kb-1": {{Content: "fact", Score: 0.8}}},
		fail:    map[string]int{"kb-1": 2},
	}
	sink := audit.NewMemorySink()
	a, slept := newTestAdapter(retriever, nil, sink)

	aug := a.Augment(context.Background(), "s1", kbConfig(0, "kb-1"), nil, "query")
	assert.False(t, aug.Degraded)
	assert.Equal(t, "fact", aug.Fragment)

	assert.Equal(t, []string{"kb-1", "kb-1", "kb-1"}, retriever.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept,
		"delay doubles between attempts")

	recs := sink.ByStage(audit.StageRetrieval)
	require.Len(t, recs, 3)
	assert.False(t, recs[0].Success)
	assert.False(t, recs[1].Success)
	assert.True(t, recs[2].Success)
	assert.Equal(t, []float64{0.8}, recs[2].Scores)
	assert.Equal(t, "query", recs[0].Query)
}

func TestAugment_BackoffDelayCapped(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{fail: map[string]int{"kb-1": 9}}
	a, slept := newTestAdapter(retriever, nil, nil)
	a.policy.MaxAttempts = 4

	aug := a.Augment(context.Background(), "s1", kbConfig(0, "kb-1"), nil, "q")
	assert.True(t, aug.Degraded)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
	}, *slept, "third delay hits the cap")
}

func TestAugment_AllBasesFailedDegrades(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{fail: map[string]int{"kb-1": 99, "kb-2": 99}}
	a, _ := newTestAdapter(retriever, nil, nil)

	aug := a.Augment(context.Background(), "s1", kbConfig(0, "kb-1", "kb-2"), nil, "q")
	assert.True(t, aug.Degraded)
	assert.Empty(t, aug.Fragment)
	assert.Len(t, retriever.calls, 6, "three attempts per base")
}

func TestAugment_PartialFailureStillAugments(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{
		results: map[string][]Chunk{"kb-2": {{Content: "surviving fact", Score: 0.5}}},
		fail:    map[string]int{"kb-1": 99},
	}
	a, _ := newTestAdapter(retriever, nil, nil)

	aug := a.Augment(context.Background(), "s1", kbConfig(0, "kb-1", "kb-2"), nil, "q")
	assert.False(t, aug.Degraded)
	assert.Equal(t, "surviving fact", aug.Fragment)
}

func TestAugment_AssociationPriorityOrdersBases(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{results: map[string][]Chunk{}}
	a, _ := newTestAdapter(retriever, nil, nil)

	assocs := []roles.KnowledgeAssociation{
		{KnowledgeBaseID: "kb-c", Priority: 1},
		{KnowledgeBaseID: "kb-a", Priority: 2},
	}
	a.Augment(context.Background(), "s1", kbConfig(0, "kb-a", "kb-b", "kb-c"), assocs, "q")
	assert.Equal(t, []string{"kb-c", "kb-a", "kb-b"}, retriever.calls,
		"associated bases first by priority, the rest keep config order")
}

func TestAugment_TokenBudgetPrefersHighScores(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{results: map[string][]Chunk{
		"kb-1": {
			{Content: strings.Repeat("a", 40), Score: 0.2},
			{Content: strings.Repeat("b", 40), Score: 0.9},
			{Content: strings.Repeat("c", 40), Score: 0.5},
		},
	}}
	a, _ := newTestAdapter(retriever, fixedTokenizer{}, nil)

	aug := a.Augment(context.Background(), "s1", kbConfig(90, "kb-1"), nil, "q")
	assert.Equal(t, 2, aug.Chunks, "third chunk would exceed the budget")
	parts := strings.Split(aug.Fragment, "\n\n")
	require.Len(t, parts, 2)
	assert.Equal(t, strings.Repeat("b", 40), parts[0], "highest score first")
	assert.Equal(t, strings.Repeat("c", 40), parts[1])
}

func TestAugment_ZeroBudgetIsUnlimited(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{results: map[string][]Chunk{
		"kb-1": {
			{Content: strings.Repeat("x", 5000), Score: 0.9},
			{Content: strings.Repeat("y", 5000), Score: 0.8},
		},
	}}
	a, _ := newTestAdapter(retriever, fixedTokenizer{}, nil)

	aug := a.Augment(context.Background(), "s1", kbConfig(0, "kb-1"), nil, "q")
	assert.Equal(t, 2, aug.Chunks)
}

func TestAugment_CancelledContextStopsRetrying(t *testing.T) {
	t.Parallel()
	retriever := &scriptedRetriever{fail: map[string]int{"kb-1": 99}}
	a, _ := newTestAdapter(retriever, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	a.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	aug := a.Augment(ctx, "s1", kbConfig(0, "kb-1"), nil, "q")
	assert.True(t, aug.Degraded)
	assert.Len(t, retriever.calls, 1, "no further attempts after cancellation")
}

func TestEstimatorTokenizer_MixedScripts(t *testing.T) {
	t.Parallel()
	e := NewEstimatorTokenizer()
	assert.Equal(t, 0, e.CountTokens(""))
	assert.Equal(t, 1, e.CountTokens("abcd"))
	assert.Equal(t, 2, e.CountTokens("abcde"))
	assert.Equal(t, 4, e.CountTokens("知识检索"))
	assert.Equal(t, 5, e.CountTokens("abcd知识检索"))
}
