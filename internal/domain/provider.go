package domain

import "context"

// LLMProvider is the interface for any LLM backend.
type LLMProvider interface {
	// Chat sends a request and returns a complete response. The call is
	// bounded by the deadline on ctx; adapters never retry internally.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider family identifier (e.g. "ollama", "mistral").
	Name() string
}

// StreamingLLMProvider extends LLMProvider with incremental delivery.
type StreamingLLMProvider interface {
	LLMProvider
	// ChatStream sends a request and returns a channel of deltas. The
	// channel is closed when the stream ends or ctx is cancelled.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}
