package llm

import (
	"context"
	"fmt"
)

// Completion defaults. Nil pointer fields in GenerationParams fall back to
// these values in every backend.
const (
	DefaultMaxTokens   = 256
	DefaultTemperature = float32(0.1)
	DefaultTopK        = 0
	DefaultTopP        = float32(0.9)
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// withDefaults fills every nil field so backends see concrete values. A TopK
// of 0 disables top-k sampling.
func (p GenerationParams) withDefaults() GenerationParams {
	if p.Temperature == nil {
		t := DefaultTemperature
		p.Temperature = &t
	}
	if p.TopK == nil {
		k := DefaultTopK
		p.TopK = &k
	}
	if p.TopP == nil {
		tp := DefaultTopP
		p.TopP = &tp
	}
	if p.MaxTokens == nil {
		m := DefaultMaxTokens
		p.MaxTokens = &m
	}
	return p
}

// Message is one turn of a chat exchange.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMClient defines the standard interface for any LLM backend
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// NewClient builds the client for a configured backend name.
func NewClient(backend string) (LLMClient, error) {
	switch backend {
	case "openai":
		return NewOpenAIClient()
	case "anthropic":
		return NewAnthropicClient()
	case "ollama":
		return NewOllamaClient()
	default:
		return nil, fmt.Errorf("unknown text-generation backend %q", backend)
	}
}
