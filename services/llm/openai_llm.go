package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

var openaiTracer = otel.Tracer("subchat.llm.openai")

const lmAPIKeySecretPath = "/run/secrets/lm_api_key"

// OpenAIClient talks to any OpenAI-compatible chat completion API. With
// LM_BASE_URL pointed at Groq's OpenAI endpoint it doubles as the Groq
// backend.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client from LM_API_KEY (or the
// /run/secrets/lm_api_key file), LM_MODEL_PRIMARY and LM_BASE_URL.
func NewOpenAIClient() (*OpenAIClient, error) {
	apiKey, err := resolveAPIKey()
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(os.Getenv("LM_MODEL_PRIMARY"))
	if model == "" {
		model = "llama-3.3-70b-versatile"
		slog.Warn("LM_MODEL_PRIMARY not set, using default", "model", model)
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(os.Getenv("LM_BASE_URL")); baseURL != "" {
		cfg.BaseURL = baseURL
		slog.Info("Using OpenAI-compatible endpoint", "base_url", baseURL)
	}

	slog.Info("Initializing OpenAI-compatible LLM client", "model", model)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// resolveAPIKey reads LM_API_KEY from the environment, falling back to
// the container secret file.
func resolveAPIKey() (string, error) {
	if key := strings.TrimSpace(os.Getenv("LM_API_KEY")); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(lmAPIKeySecretPath)
	if err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			slog.Info("Read the LM API key from secret file", "path", lmAPIKeySecretPath)
			return key, nil
		}
	}
	return "", fmt.Errorf("LM_API_KEY is not set and %s is not readable", lmAPIKeySecretPath)
}

// Generate implements the LLMClient interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return o.Chat(ctx, []datatypes.Message{{Role: "user", Content: prompt}}, params)
}

// modelFor resolves the model for a single call, honoring the
// per-call override in params.
func (o *OpenAIClient) modelFor(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return o.model
}

// Chat implements the LLMClient interface.
func (o *OpenAIClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.modelFor(params)),
		attribute.Int("llm.message_count", len(messages)),
	)

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, params, false))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI chat completion failed", "error", err)
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("OpenAI returned no choices")
		return "", fmt.Errorf("openai chat completion: no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// ChatStream implements the LLMClient interface.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.modelFor(params)),
		attribute.Int("llm.message_count", len(messages)),
	)

	stream, err := o.client.CreateChatCompletionStream(ctx, o.buildRequest(messages, params, true))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("openai stream setup: %w", err)
	}
	defer stream.Close()

	for {
		resp, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			span.RecordError(recvErr)
			span.SetStatus(codes.Error, recvErr.Error())
			return fmt.Errorf("openai stream recv: %w", recvErr)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: delta}); cbErr != nil {
			return cbErr
		}
	}
	return callback(StreamEvent{Type: StreamEventDone})
}

// buildRequest translates GenerationParams into a ChatCompletionRequest.
// TopK has no equivalent in the OpenAI API and is ignored.
func (o *OpenAIClient) buildRequest(messages []datatypes.Message, params GenerationParams, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:    o.modelFor(params),
		Messages: msgs,
		Stream:   stream,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// OpenAIEmbedder produces dense embeddings through the same
// OpenAI-compatible endpoint. It satisfies the archive embedder contract.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

// embeddingDims maps known embedding models to their output dimension.
var embeddingDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// NewOpenAIEmbedder builds an embedder for the named model
// (EMBEDDING_MODEL).
func NewOpenAIEmbedder(model string) (*OpenAIEmbedder, error) {
	apiKey, err := resolveAPIKey()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(model) == "" {
		model = "text-embedding-3-small"
		slog.Warn("EMBEDDING_MODEL not set, using default", "model", model)
	}
	dim, ok := embeddingDims[model]
	if !ok {
		dim = 1536
		slog.Warn("Unknown embedding model dimension, assuming default", "model", model, "dim", dim)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(os.Getenv("LM_BASE_URL")); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model, dim: dim}, nil
}

// Embed returns the dense vector for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIEmbedder.Embed")
	defer span.End()

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return resp.Data[0].Embedding, nil
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Dim returns the embedding dimension for the configured model.
func (e *OpenAIEmbedder) Dim() int { return e.dim }
