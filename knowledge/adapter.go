package knowledge

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowdialog/audit"
	"github.com/BaSui01/flowdialog/flow"
	"github.com/BaSui01/flowdialog/roles"
)

// RetryPolicy 每个知识库的重试策略：指数退避，基础延迟逐次翻倍
type RetryPolicy struct {
	// MaxAttempts 每个知识库的总尝试次数
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	// BaseDelay 首次重试前的延迟，之后逐次翻倍
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`
	// MaxDelay 延迟上限
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// AttemptTimeout 单次尝试的超时
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// DefaultRetryPolicy 返回默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// Augmentation is the adapter's result. A Degraded result with an empty
// Fragment means "proceed without augmentation"; the adapter never errors.
type Augmentation struct {
	Fragment string
	Chunks   int
	Degraded bool
}

// Adapter implements the knowledge context adapter.
type Adapter struct {
	retriever Retriever
	tokenizer Tokenizer
	sink      audit.Sink
	policy    RetryPolicy
	logger    *zap.Logger

	// sleep is swappable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewAdapter creates the adapter. A nil tokenizer falls back to the
// estimator; a nil sink discards audit records.
func NewAdapter(retriever Retriever, tokenizer Tokenizer, sink audit.Sink, policy RetryPolicy, logger *zap.Logger) *Adapter {
	if tokenizer == nil {
		tokenizer = NewEstimatorTokenizer()
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	if policy.AttemptTimeout <= 0 {
		policy.AttemptTimeout = DefaultRetryPolicy().AttemptTimeout
	}
	return &Adapter{
		retriever: retriever,
		tokenizer: tokenizer,
		sink:      sink,
		policy:    policy,
		logger:    logger,
		sleep:     ctxSleep,
	}
}

// Augment retrieves knowledge for one step. Knowledge bases are consulted in
// the order given by the speaker role's associations (priority ascending);
// unassociated bases follow in config order. Results pool across bases, sort
// by score descending and concatenate under the token budget.
func (a *Adapter) Augment(ctx context.Context, sessionID string, cfg *flow.KnowledgeBaseConfig, assocs []roles.KnowledgeAssociation, query string) *Augmentation {
	if cfg == nil || !cfg.Enabled || len(cfg.KnowledgeBaseIDs) == 0 {
		return &Augmentation{}
	}
	if a.retriever == nil {
		a.logger.Warn("no retriever configured, proceeding without augmentation",
			zap.String("session_id", sessionID))
		return &Augmentation{Degraded: true}
	}

	opts := RetrieveOptions{
		TopK:                cfg.RetrievalParams.TopK,
		SimilarityThreshold: cfg.RetrievalParams.SimilarityThreshold,
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	var pool []Chunk
	anySuccess := false
	for _, kbID := range orderByPriority(cfg.KnowledgeBaseIDs, assocs) {
		chunks, ok := a.retrieveWithRetry(ctx, sessionID, kbID, query, opts)
		if ok {
			anySuccess = true
			pool = append(pool, chunks...)
		}
	}

	if !anySuccess {
		a.logger.Warn("all knowledge bases failed, proceeding without augmentation",
			zap.String("session_id", sessionID),
			zap.Strings("knowledge_bases", cfg.KnowledgeBaseIDs))
		return &Augmentation{Degraded: true}
	}

	fragment, used := a.assemble(pool, cfg.RetrievalParams.MaxContextLength)
	return &Augmentation{Fragment: fragment, Chunks: used}
}

// retrieveWithRetry runs up to MaxAttempts attempts against one knowledge
// base and reports every attempt to the audit sink.
func (a *Adapter) retrieveWithRetry(ctx context.Context, sessionID, kbID, query string, opts RetrieveOptions) ([]Chunk, bool) {
	delay := a.policy.BaseDelay
	for attempt := 1; attempt <= a.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := a.sleep(ctx, delay); err != nil {
				return nil, false
			}
			delay *= 2
			if delay > a.policy.MaxDelay {
				delay = a.policy.MaxDelay
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, a.policy.AttemptTimeout)
		start := time.Now()
		chunks, err := a.retriever.Retrieve(attemptCtx, []string{kbID}, query, opts)
		cancel()
		latency := time.Since(start)

		rec := &audit.Record{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Stage:     audit.StageRetrieval,
			Query:     query,
			Success:   err == nil,
			Latency:   latency,
			Timestamp: time.Now(),
		}
		if err != nil {
			rec.Error = err.Error()
		} else {
			rec.Scores = scores(chunks)
		}
		a.sink.Record(ctx, rec)

		if err == nil {
			return chunks, true
		}
		a.logger.Debug("retrieval attempt failed",
			zap.String("knowledge_base", kbID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if ctx.Err() != nil {
			return nil, false
		}
	}
	return nil, false
}

// assemble sorts by score descending and concatenates until the token
// budget is spent. A budget of 0 means unlimited.
func (a *Adapter) assemble(pool []Chunk, budget int) (string, int) {
	if len(pool) == 0 {
		return "", 0
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Score > pool[j].Score
	})

	var sb strings.Builder
	used, spent := 0, 0
	for _, chunk := range pool {
		cost := a.tokenizer.CountTokens(chunk.Content)
		if budget > 0 && spent+cost > budget {
			break
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(chunk.Content)
		spent += cost
		used++
	}
	return sb.String(), used
}

// orderByPriority returns the configured ids sorted by their role
// association priority (ascending); ids without an association keep their
// original order after the prioritized ones.
func orderByPriority(kbIDs []string, assocs []roles.KnowledgeAssociation) []string {
	if len(assocs) == 0 {
		return kbIDs
	}
	prio := make(map[string]int, len(assocs))
	for _, as := range assocs {
		prio[as.KnowledgeBaseID] = as.Priority
	}
	var ranked, rest []string
	for _, id := range kbIDs {
		if _, ok := prio[id]; ok {
			ranked = append(ranked, id)
		} else {
			rest = append(rest, id)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return prio[ranked[i]] < prio[ranked[j]]
	})
	return append(ranked, rest...)
}

func scores(chunks []Chunk) []float64 {
	out := make([]float64, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Score)
	}
	return out
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
