package engine

import (
	"context"
	"strings"

	"github.com/BaSui01/flowdialog/llm"
)

// Predicate judges whether generated content satisfies a semantic condition.
// The state machine only depends on this interface, so the matcher can be
// upgraded to a classifier without touching execution logic.
type Predicate interface {
	Satisfied(ctx context.Context, condition, content string) (bool, error)
}

// SubstringPredicate 默认实现：大小写不敏感的子串匹配
type SubstringPredicate struct{}

func (SubstringPredicate) Satisfied(_ context.Context, condition, content string) (bool, error) {
	if condition == "" {
		return false, nil
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(condition)), nil
}

// SemanticPredicate asks a generation provider for a yes/no judgement.
// Errors are returned to the caller, which treats them as "not satisfied"
// so a broken classifier cannot wedge a loop open or shut unexpectedly.
type SemanticPredicate struct {
	provider llm.Provider
	model    string
}

// NewSemanticPredicate creates an LLM-backed condition evaluator.
func NewSemanticPredicate(provider llm.Provider, model string) *SemanticPredicate {
	return &SemanticPredicate{provider: provider, model: model}
}

func (p *SemanticPredicate) Satisfied(ctx context.Context, condition, content string) (bool, error) {
	if condition == "" {
		return false, nil
	}
	resp, err := p.provider.Generate(ctx, &llm.GenerateRequest{
		Model: p.model,
		Prompt: "Answer with exactly YES or NO.\n\nDoes the following text satisfy the condition \"" +
			condition + "\"?\n\n" + content,
		MaxTokens: 4,
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToUpper(strings.TrimSpace(resp.Text))
	return strings.HasPrefix(answer, "YES"), nil
}
