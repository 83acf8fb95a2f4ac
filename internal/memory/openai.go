package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbedder implements EmbeddingProvider on the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder builds an embedder for the given model and dimension.
// baseURL may be empty for the default endpoint.
func NewOpenAIEmbedder(apiKey, baseURL, model string, dim int) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		dim:    dim,
	}
}

func (e *OpenAIEmbedder) Dimension() int { return e.dim }

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response for model %s was empty", e.model)
	}
	vec := resp.Data[0].Embedding
	if len(vec) != e.dim {
		return nil, fmt.Errorf("%w: model %s returned %d dimensions, expected %d",
			ErrDimensionMismatch, e.model, len(vec), e.dim)
	}
	return vec, nil
}

// OpenAIExtractor implements ExtractionProvider on chat completions.
type OpenAIExtractor struct {
	client *openai.Client
	model  string
}

func NewOpenAIExtractor(apiKey, baseURL, model string) *OpenAIExtractor {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIExtractor{client: openai.NewClientWithConfig(cfg), model: model}
}

// factsEnvelope is the JSON shape the extraction prompt asks for.
type factsEnvelope struct {
	Facts []ExtractedFact `json:"facts"`
}

func (e *OpenAIExtractor) ExtractFacts(ctx context.Context, turnText string) ([]ExtractedFact, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: factExtractionSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: factExtractionUserPrompt(turnText)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("fact extraction completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("fact extraction returned no choices")
	}
	return parseFacts(resp.Choices[0].Message.Content), nil
}

// parseFacts decodes the model's JSON, falling back to the largest
// brace-delimited substring when the reply carries prose or code fences
// around the object. An unparseable reply yields no facts rather than an
// error.
func parseFacts(raw string) []ExtractedFact {
	var env factsEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err == nil {
		return clampFacts(env.Facts)
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(raw[start:end+1]), &env); err == nil {
			return clampFacts(env.Facts)
		}
	}

	slog.Warn("fact extraction reply was not valid JSON, discarding", "reply_len", len(raw))
	return nil
}

// clampFacts drops empty facts and clamps importance into [0, 1].
func clampFacts(facts []ExtractedFact) []ExtractedFact {
	out := facts[:0]
	for _, f := range facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		if f.Importance < 0 {
			f.Importance = 0
		}
		if f.Importance > 1 {
			f.Importance = 1
		}
		out = append(out, f)
	}
	return out
}

func (e *OpenAIExtractor) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("summarization completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarization returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
