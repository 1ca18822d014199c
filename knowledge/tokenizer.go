package knowledge

import (
	"fmt"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer counts tokens for the max_context_length budget.
type Tokenizer interface {
	CountTokens(text string) int
}

// TiktokenTokenizer counts with a tiktoken encoding and falls back to the
// estimator when encoding fails, so budget enforcement never errors out.
type TiktokenTokenizer struct {
	encoding *tiktoken.Tiktoken
	fallback *EstimatorTokenizer
	logger   *zap.Logger
}

// NewTiktokenTokenizer creates a tokenizer for the given model
// (e.g. "gpt-4o"). Requires the encoding data to be available.
func NewTiktokenTokenizer(model string, logger *zap.Logger) (*TiktokenTokenizer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding for %s: %w", model, err)
	}
	return &TiktokenTokenizer{
		encoding: enc,
		fallback: NewEstimatorTokenizer(),
		logger:   logger,
	}, nil
}

func (t *TiktokenTokenizer) CountTokens(text string) (n int) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("tiktoken encode panicked, using estimate", zap.Any("panic", r))
			n = t.fallback.CountTokens(text)
		}
	}()
	return len(t.encoding.Encode(text, nil, nil))
}

// EstimatorTokenizer 无需外部编码数据的估算器
// 西文按约 4 字符一个 token 估算，CJK 按每字一个 token 估算。
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer creates the estimator.
func NewEstimatorTokenizer() *EstimatorTokenizer {
	return &EstimatorTokenizer{}
}

func (e *EstimatorTokenizer) CountTokens(text string) int {
	var ascii, cjk int
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			ascii++
		}
	}
	return cjk + (ascii+3)/4
}
