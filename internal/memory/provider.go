package memory

import "context"

// EmbeddingProvider turns text into a fixed-dimension vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension reports the length of vectors this provider produces. The
	// store validates its schema against this at startup.
	Dimension() int
}

// ExtractionProvider runs the LLM side of the write path: pulling candidate
// facts out of a conversation turn and condensing accumulated facts into a
// core memory summary.
type ExtractionProvider interface {
	ExtractFacts(ctx context.Context, turnText string) ([]ExtractedFact, error)
	Summarize(ctx context.Context, prompt string) (string, error)
}
