// Package knowledge augments a step's generation context with externally
// retrieved material. The adapter retries each knowledge base with
// exponential backoff, trims the combined fragment to a token budget, and
// degrades to an explicit empty result when every base fails. Retrieval
// trouble never blocks the conversation.
package knowledge

import "context"

// Chunk is one retrieved knowledge fragment.
type Chunk struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Source  string  `json:"source,omitempty"`
}

// RetrieveOptions carries the per-call retrieval parameters.
type RetrieveOptions struct {
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

// Retriever 外部检索协作方契约
// 排序与嵌入算法属于协作方内部，引擎只依赖这个调用面。
type Retriever interface {
	Retrieve(ctx context.Context, knowledgeBaseIDs []string, query string, opts RetrieveOptions) ([]Chunk, error)
}
