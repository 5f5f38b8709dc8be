// Package llm abstracts the language-model providers behind a narrow
// client interface: one-shot generation, multi-turn chat, and token
// streaming. Backends are selected at startup via LLM_BACKEND_TYPE and
// share GenerationParams for sampling control.
package llm

import (
	"context"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// GenerationParams carries optional sampling parameters. Nil pointers
// mean "use the backend default". Model, when non-empty, overrides the
// client's configured model for that single call, letting cheap
// auxiliary work (summaries, query decomposition) run on a smaller
// model through the same client and pool.
type GenerationParams struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces a completion for a single prompt string.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a completion for a multi-turn message list.
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)

	// ChatStream streams completion deltas for a multi-turn message list.
	// The callback is invoked once per token event; returning a non-nil
	// error from the callback aborts the stream.
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error
}

func float32Ptr(v float32) *float32 { return &v }

func intPtr(v int) *int { return &v }
