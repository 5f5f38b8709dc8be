package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

var ollamaTracer = otel.Tracer("subchat.llm.ollama")

// OllamaClient talks to a local Ollama server over its native HTTP API.
// Streaming uses Ollama's NDJSON framing: one JSON object per line, the
// last one carrying done=true.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []datatypes.Message    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   datatypes.Message `json:"message"`
	CreatedAt string            `json:"created_at"`
	Done      bool              `json:"done"`
}

// NewOllamaClient builds a client from OLLAMA_ENDPOINT and OLLAMA_MODEL.
func NewOllamaClient() (*OllamaClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("OLLAMA_ENDPOINT"))
	if baseURL == "" {
		baseURL = "http://localhost:11434"
		slog.Warn("OLLAMA_ENDPOINT not set, using default", "endpoint", baseURL)
	}
	model := strings.TrimSpace(os.Getenv("OLLAMA_MODEL"))
	if model == "" {
		model = "gpt-oss"
		slog.Warn("OLLAMA_MODEL not set, using default", "model", model)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("Initializing Ollama client", "endpoint", baseURL, "model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// modelFor resolves the model for a single call, honoring the
// per-call override in params.
func (o *OllamaClient) modelFor(params GenerationParams) string {
	if params.Model != "" {
		return params.Model
	}
	return o.model
}

// Generate implements the LLMClient interface.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.modelFor(params)))

	payload := ollamaGenerateRequest{
		Model:   o.modelFor(params),
		Prompt:  prompt,
		Stream:  false,
		Options: o.buildOptions(params),
	}
	body, err := o.post(ctx, "/api/generate", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer body.Close()

	respBytes, err := io.ReadAll(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("ollama generate read: %w", err)
	}
	var resp ollamaGenerateResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse Ollama generate response", "error", err)
		return "", fmt.Errorf("ollama generate parse: %w", err)
	}
	return resp.Response, nil
}

// Chat implements the LLMClient interface.
func (o *OllamaClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.modelFor(params)),
		attribute.Int("llm.message_count", len(messages)),
	)

	payload := ollamaChatRequest{
		Model:    o.modelFor(params),
		Messages: messages,
		Stream:   false,
		Options:  o.buildOptions(params),
	}
	body, err := o.post(ctx, "/api/chat", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer body.Close()

	respBytes, err := io.ReadAll(body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("ollama chat read: %w", err)
	}
	var resp ollamaChatResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Failed to parse Ollama chat response", "error", err)
		return "", fmt.Errorf("ollama chat parse: %w", err)
	}
	if resp.Message.Role != "assistant" {
		slog.Warn("Ollama chat response role was not assistant", "role", resp.Message.Role)
	}
	return resp.Message.Content, nil
}

// ChatStream implements the LLMClient interface. Ollama streams NDJSON:
// each line decodes to a chat response fragment until done=true.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	ctx, span := ollamaTracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.modelFor(params)),
		attribute.Int("llm.message_count", len(messages)),
	)

	payload := ollamaChatRequest{
		Model:    o.modelFor(params),
		Messages: messages,
		Stream:   true,
		Options:  o.buildOptions(params),
	}
	body, err := o.post(ctx, "/api/chat", payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("ollama stream parse: %w", err)
		}
		if chunk.Message.Content != "" {
			if cbErr := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Message.Content}); cbErr != nil {
				return cbErr
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ollama stream read: %w", err)
	}
	return callback(StreamEvent{Type: StreamEventDone})
}

// post sends a JSON payload and returns the response body on 200. A 404
// naming a missing model gets a friendlier error.
func (o *OllamaClient) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	reqBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("ollama build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "path", path, "error", err)
		return nil, &TransientError{Err: fmt.Errorf("ollama request: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		respBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBytes, &errResp); err == nil &&
				strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "model", o.model)
				return nil, fmt.Errorf("model %q not found, run: ollama pull %s", o.model, o.model)
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBytes))
		if resp.StatusCode >= 500 {
			return nil, &TransientError{Err: fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(respBytes))}
		}
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, string(respBytes))
	}
	return resp.Body, nil
}

// buildOptions translates GenerationParams into Ollama's options map.
func (o *OllamaClient) buildOptions(params GenerationParams) map[string]interface{} {
	options := map[string]interface{}{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 8192,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}
