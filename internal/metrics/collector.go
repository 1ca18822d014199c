// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 引擎指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 推进指标
	advancesTotal   *prometheus.CounterVec
	advanceDuration *prometheus.HistogramVec

	// 生成指标
	generationDuration *prometheus.HistogramVec
	generationTokens   *prometheus.CounterVec

	// 检索指标
	retrievalAttempts *prometheus.CounterVec

	// 会话状态指标
	stateTransitions *prometheus.CounterVec
	loopFallbacks    prometheus.Counter

	logger *zap.Logger
}

var (
	defaultCollector *Collector
	defaultOnce      sync.Once
)

// NewCollector 创建指标收集器并注册到给定 registry
// registry 为 nil 时使用 prometheus.DefaultRegisterer。
func NewCollector(registry prometheus.Registerer, logger *zap.Logger) *Collector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto{registry}

	return &Collector{
		advancesTotal: factory.counterVec(prometheus.CounterOpts{
			Namespace: "flowdialog",
			Subsystem: "engine",
			Name:      "advances_total",
			Help:      "Total advance calls by outcome.",
		}, []string{"outcome"}),
		advanceDuration: factory.histogramVec(prometheus.HistogramOpts{
			Namespace: "flowdialog",
			Subsystem: "engine",
			Name:      "advance_duration_seconds",
			Help:      "Advance call duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		generationDuration: factory.histogramVec(prometheus.HistogramOpts{
			Namespace: "flowdialog",
			Subsystem: "llm",
			Name:      "generation_duration_seconds",
			Help:      "Generation call duration by provider.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
		generationTokens: factory.counterVec(prometheus.CounterOpts{
			Namespace: "flowdialog",
			Subsystem: "llm",
			Name:      "generation_tokens_total",
			Help:      "Prompt and completion tokens by provider.",
		}, []string{"provider", "kind"}),
		retrievalAttempts: factory.counterVec(prometheus.CounterOpts{
			Namespace: "flowdialog",
			Subsystem: "knowledge",
			Name:      "retrieval_attempts_total",
			Help:      "Retrieval attempts by outcome.",
		}, []string{"outcome"}),
		stateTransitions: factory.counterVec(prometheus.CounterOpts{
			Namespace: "flowdialog",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state transitions.",
		}, []string{"from", "to"}),
		loopFallbacks: factory.counter(prometheus.CounterOpts{
			Namespace: "flowdialog",
			Subsystem: "engine",
			Name:      "loop_fallbacks_total",
			Help:      "Loop overrides abandoned by exhaustion or ceiling.",
		}),
		logger: logger,
	}
}

// Default 返回进程级共享收集器
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector(nil, nil)
	})
	return defaultCollector
}

// Nop 返回挂在独立 registry 上的收集器，测试用
func Nop() *Collector {
	return NewCollector(prometheus.NewRegistry(), nil)
}

// ObserveAdvance 记录一次推进调用
func (c *Collector) ObserveAdvance(outcome string, elapsed time.Duration) {
	c.advancesTotal.WithLabelValues(outcome).Inc()
	c.advanceDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveGeneration 记录一次生成调用
func (c *Collector) ObserveGeneration(provider string, elapsed time.Duration, promptTokens, completionTokens int) {
	c.generationDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if promptTokens > 0 {
		c.generationTokens.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.generationTokens.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// ObserveRetrieval 记录一次检索尝试
func (c *Collector) ObserveRetrieval(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.retrievalAttempts.WithLabelValues(outcome).Inc()
}

// ObserveTransition 记录一次会话状态迁移
func (c *Collector) ObserveTransition(from, to string) {
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

// ObserveLoopFallback 记录一次循环回退
func (c *Collector) ObserveLoopFallback() {
	c.loopFallbacks.Inc()
}

// promauto-style factory bound to one registry.
type promauto struct {
	registry prometheus.Registerer
}

func (f promauto) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(opts, labels)
	f.registry.MustRegister(v)
	return v
}

func (f promauto) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(opts, labels)
	f.registry.MustRegister(v)
	return v
}

func (f promauto) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.registry.MustRegister(c)
	return c
}
