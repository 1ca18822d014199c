package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/flowdialog/audit"
	"github.com/BaSui01/flowdialog/internal/metrics"
	"github.com/BaSui01/flowdialog/session"
	"github.com/BaSui01/flowdialog/types"
)

// InvokerConfig 生成调用器配置
type InvokerConfig struct {
	// Model 传给协作方的模型提示
	Model string `yaml:"model" json:"model"`
	// Timeout 协作方边界上的显式超时
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxTokens 响应上限，0 表示交给协作方
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
	// Temperature 采样温度
	Temperature float32 `yaml:"temperature" json:"temperature"`
	// RatePerSecond 对协作方的限流，0 表示不限
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	// RateBurst 限流突发额度
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// DefaultInvokerConfig 返回默认配置
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		Timeout:     60 * time.Second,
		Temperature: 0.7,
	}
}

// Invocation is the fully resolved input for one generation call.
type Invocation struct {
	SessionID     string
	Persona       string            // 发言角色的人设
	RoleName      string            // 发言角色名
	TaskType      types.TaskType    // 提示词塑形标签
	TargetRole    string            // 受话角色名，空表示无受话者
	TargetContent string            // 受话角色最近的相关内容
	Topic         string            // 会话话题
	IncludeTopic  bool              // topic 哨兵：话题作为首条合成上下文注入
	Context       []session.Message // 上下文构建器给出的有序切片
	Knowledge     string            // 知识增强片段，可为空
}

// Result carries the generated text, metrics, and the interaction trace the
// engine finalizes once the message id is known. The trace is an explicit
// value threaded through the advance call, never ambient state.
type Result struct {
	Text    string
	Metrics Metrics

	trace *audit.Record
}

// Invoker wraps the provider with the uniform request/response contract.
type Invoker struct {
	provider  Provider
	sink      audit.Sink
	limiter   *rate.Limiter
	config    InvokerConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewInvoker creates the generation invoker.
func NewInvoker(provider Provider, sink audit.Sink, config InvokerConfig, collector *metrics.Collector, logger *zap.Logger) *Invoker {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if collector == nil {
		collector = metrics.Nop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultInvokerConfig().Timeout
	}
	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}
	return &Invoker{
		provider:  provider,
		sink:      sink,
		limiter:   limiter,
		config:    config,
		collector: collector,
		logger:    logger,
	}
}

// Invoke builds the prompt and calls the provider exactly once. A "started"
// record is emitted before the call and a "completed" record after it, so a
// crash mid-call still leaves an auditable trace.
func (inv *Invoker) Invoke(ctx context.Context, in *Invocation) (*Result, error) {
	prompt := BuildPrompt(in)

	trace := &audit.Record{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		Stage:     audit.StageStarted,
		Prompt:    prompt,
		Timestamp: time.Now(),
	}
	inv.sink.Record(ctx, trace)

	if inv.limiter != nil {
		if err := inv.limiter.Wait(ctx); err != nil {
			inv.recordCompleted(ctx, trace, "", 0, err)
			return nil, fmt.Errorf("generation rate limit wait: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := inv.provider.Generate(callCtx, &GenerateRequest{
		Prompt:      prompt,
		Model:       inv.config.Model,
		MaxTokens:   inv.config.MaxTokens,
		Temperature: inv.config.Temperature,
		Metadata: map[string]string{
			"session_id": in.SessionID,
			"task_type":  string(in.TaskType),
			"role":       in.RoleName,
		},
	})
	latency := time.Since(start)

	if err != nil {
		inv.recordCompleted(ctx, trace, "", latency, err)
		// 调用方取消不翻译成生成错误，让引擎保持会话 running
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, types.NewErrorf(types.ErrGeneration,
			"provider %s failed", inv.provider.Name()).WithCause(err)
	}

	inv.recordCompleted(ctx, trace, resp.Text, latency, nil)
	inv.collector.ObserveGeneration(inv.provider.Name(), latency,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	inv.logger.Debug("generation completed",
		zap.String("session_id", in.SessionID),
		zap.String("provider", inv.provider.Name()),
		zap.Duration("latency", latency),
		zap.Int("response_chars", len(resp.Text)))

	return &Result{
		Text: resp.Text,
		Metrics: Metrics{
			Latency:          latency,
			PromptChars:      len(prompt),
			ResponseChars:    len(resp.Text),
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		trace: trace,
	}, nil
}

// Finalize emits the "finalized" record carrying the persisted message id.
func (inv *Invoker) Finalize(ctx context.Context, res *Result, messageID string) {
	if res == nil || res.trace == nil {
		return
	}
	rec := *res.trace
	rec.Stage = audit.StageFinalized
	rec.Response = res.Text
	rec.MessageID = messageID
	rec.Success = true
	rec.Latency = res.Metrics.Latency
	rec.Timestamp = time.Now()
	inv.sink.Record(ctx, &rec)
}

func (inv *Invoker) recordCompleted(ctx context.Context, trace *audit.Record, response string, latency time.Duration, err error) {
	rec := *trace
	rec.Stage = audit.StageCompleted
	rec.Response = response
	rec.Success = err == nil
	rec.Latency = latency
	rec.Timestamp = time.Now()
	if err != nil {
		rec.Error = err.Error()
	}
	inv.sink.Record(ctx, &rec)
}

// BuildPrompt assembles the single prompt string from persona, task
// instruction, target, context slice and knowledge fragment.
func BuildPrompt(in *Invocation) string {
	var sb strings.Builder

	if in.Persona != "" {
		sb.WriteString(in.Persona)
		sb.WriteString("\n\n")
	}

	if in.IncludeTopic && in.Topic != "" {
		sb.WriteString("Discussion topic: ")
		sb.WriteString(in.Topic)
		sb.WriteString("\n\n")
	}

	if in.Knowledge != "" {
		sb.WriteString("Relevant reference material:\n")
		sb.WriteString(in.Knowledge)
		sb.WriteString("\n\n")
	}

	if len(in.Context) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, msg := range in.Context {
			sb.WriteString(msg.RoleRef)
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	switch {
	case in.TargetRole != "" && in.TargetContent != "":
		sb.WriteString(fmt.Sprintf("You are addressing %s, who last said:\n%s\n\n",
			in.TargetRole, in.TargetContent))
	case in.TargetRole != "":
		sb.WriteString(fmt.Sprintf("You are addressing %s.\n\n", in.TargetRole))
	case in.TargetContent != "":
		// 话题受话：受话对象是预设话题本身
		sb.WriteString(fmt.Sprintf("Address the preset topic:\n%s\n\n", in.TargetContent))
	}

	sb.WriteString(in.TaskType.Instruction())
	return sb.String()
}
