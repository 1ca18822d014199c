// Package llm wraps the external language-model collaborator behind a
// uniform generation contract and implements the generation invoker: prompt
// assembly, timeout, rate limiting and three-phase interaction recording.
package llm

import (
	"context"
	"time"
)

// GenerateRequest 一次生成调用的请求
type GenerateRequest struct {
	Prompt      string            `json:"prompt"`
	Model       string            `json:"model,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float32           `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"` // 路由/审计提示
}

// Usage token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// GenerateResponse 一次生成调用的响应
type GenerateResponse struct {
	Text      string    `json:"text"`
	Model     string    `json:"model,omitempty"`
	Usage     Usage     `json:"usage,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Provider 定义统一的生成协作方接口
// 重试（若需要）属于协作方自身的契约；调用器绝不重试生成。
type Provider interface {
	// Generate 发起一次同步生成请求
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)

	// Name 返回 Provider 的唯一标识
	Name() string
}

// Metrics 单次调用的性能指标
type Metrics struct {
	Latency          time.Duration `json:"latency"`
	PromptChars      int           `json:"prompt_chars"`
	ResponseChars    int           `json:"response_chars"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
}
