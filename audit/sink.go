// Package audit records generation and retrieval interactions. The sink is
// fire-and-forget: implementations must never block or fail the advance call
// that reports to them.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage 交互记录所处的阶段
type Stage string

const (
	// StageStarted 生成调用发起前写入，崩溃后仍留下可审计痕迹
	StageStarted Stage = "started"
	// StageCompleted 生成调用返回后写入（成功或失败）
	StageCompleted Stage = "completed"
	// StageFinalized 消息持久化后写入，携带消息 id
	StageFinalized Stage = "finalized"
	// StageRetrieval 知识检索的单次尝试
	StageRetrieval Stage = "retrieval"
)

// Record is one interaction audit entry.
type Record struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	Stage     Stage         `json:"stage"`
	Prompt    string        `json:"prompt,omitempty"`
	Response  string        `json:"response,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	Query     string        `json:"query,omitempty"`  // 检索阶段：查询串
	Scores    []float64     `json:"scores,omitempty"` // 检索阶段：结果得分
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Sink 审计接收方契约。实现不得阻塞，也不得让失败外溢到调用方。
type Sink interface {
	Record(ctx context.Context, rec *Record)
}

// NopSink discards every record.
type NopSink struct{}

func (NopSink) Record(context.Context, *Record) {}

// LoggerSink writes records to a zap logger.
type LoggerSink struct {
	logger *zap.Logger
}

// NewLoggerSink creates a logging sink.
func NewLoggerSink(logger *zap.Logger) *LoggerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggerSink{logger: logger}
}

func (s *LoggerSink) Record(_ context.Context, rec *Record) {
	s.logger.Info("interaction",
		zap.String("record_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.String("stage", string(rec.Stage)),
		zap.String("message_id", rec.MessageID),
		zap.Bool("success", rec.Success),
		zap.String("error", rec.Error),
		zap.Duration("latency", rec.Latency))
}

// MemorySink keeps records in memory. Intended for tests.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
}

// Records returns a copy of everything recorded so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByStage filters the recorded entries by stage.
func (s *MemorySink) ByStage(stage Stage) []Record {
	var out []Record
	for _, rec := range s.Records() {
		if rec.Stage == stage {
			out = append(out, rec)
		}
	}
	return out
}
