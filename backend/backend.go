// Package backend provides interchangeable local inference backends used by
// the local-inference handoff fallback chain.
package backend

import (
	"context"
	"time"
)

// ChatMessage is a single turn of a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatResponse is a provider-neutral chat completion response.
type ChatResponse struct {
	Content string        `json:"content"`
	Model   string        `json:"model"`
	Latency time.Duration `json:"latency"`
}

// Backend is a local inference provider. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Name identifies the backend in logs and fallback decisions.
	Name() string

	// IsAvailable probes the backend without performing inference.
	IsAvailable(ctx context.Context) bool

	// SendChatRequest performs one chat completion.
	SendChatRequest(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
