package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// EchoClient is a provider-free backend that reflects the last user
// message back. It keeps the serve path runnable without credentials
// and gives tests a deterministic stream.
type EchoClient struct{}

// NewEchoClient builds the echo backend.
func NewEchoClient() *EchoClient {
	slog.Info("Initializing echo LLM client (no provider configured)")
	return &EchoClient{}
}

// Generate implements the LLMClient interface.
func (e *EchoClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Echo from subchat: " + strings.TrimSpace(prompt), nil
}

// Chat implements the LLMClient interface. It echoes the most recent
// user message, falling back to the last message of any role.
func (e *EchoClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "Echo from subchat: " + lastUserContent(messages), nil
}

// ChatStream implements the LLMClient interface, emitting the echo
// response one whitespace token at a time.
func (e *EchoClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	response := "Echo from subchat: " + lastUserContent(messages)
	words := strings.Fields(response)
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		token := word
		if i < len(words)-1 {
			token += " "
		}
		if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: token}); cbErr != nil {
			return cbErr
		}
	}
	return callback(StreamEvent{Type: StreamEventDone})
}

func lastUserContent(messages []datatypes.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	if len(messages) > 0 {
		return strings.TrimSpace(messages[len(messages)-1].Content)
	}
	return ""
}
