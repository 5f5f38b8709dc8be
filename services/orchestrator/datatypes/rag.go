package datatypes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Message is a single chat message in provider wire format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// EmbeddingRequest is the body sent to the embedding service.
type EmbeddingRequest struct {
	Text string `json:"text"`
}

// EmbeddingResponse is the embedding service reply. Vector carries the
// dense embedding, Dim its length.
type EmbeddingResponse struct {
	Id        string    `json:"id"`
	Timestamp int       `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

var httpClient = &http.Client{
	Timeout: 30 * time.Second,
}

// Get populates e with the embedding for text. Prefer GetWithContext on
// request paths.
func (e *EmbeddingResponse) Get(text string) error {
	return e.GetWithContext(context.Background(), text)
}

// GetWithContext populates e with the embedding for text by calling the
// service at EMBEDDING_SERVICE_URL.
func (e *EmbeddingResponse) GetWithContext(ctx context.Context, text string) error {
	embeddingServiceURL := os.Getenv("EMBEDDING_SERVICE_URL")
	if embeddingServiceURL == "" {
		return fmt.Errorf("EMBEDDING_SERVICE_URL is not set")
	}

	reqBody, err := json.Marshal(EmbeddingRequest{Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal the embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, embeddingServiceURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to setup a new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make the request to the embedding service: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("the response was not a 200 OK from the embedding service: %s, %d",
			string(bodyBytes), resp.StatusCode)
	}

	if err := json.Unmarshal(bodyBytes, e); err != nil {
		return fmt.Errorf("failed to parse the response from the embedding service: %w", err)
	}
	return nil
}
