package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// newTestOllamaClient creates an OllamaClient pointing to a test server,
// bypassing environment configuration.
func newTestOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		model:      model,
	}
}

// TestOllamaClient_ChatStream_TokenOrder verifies that NDJSON chunks are
// delivered as token events in order, followed by a terminal done event.
func TestOllamaClient_ChatStream_TokenOrder(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"message":{"role":"assistant","content":"Hello"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":" world"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	var events []StreamEvent
	err := client.ChatStream(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{}, func(ev StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != StreamEventToken || events[0].Content != "Hello" {
		t.Errorf("first event = %+v, want token 'Hello'", events[0])
	}
	if events[1].Type != StreamEventToken || events[1].Content != " world" {
		t.Errorf("second event = %+v, want token ' world'", events[1])
	}
	if events[2].Type != StreamEventDone {
		t.Errorf("last event = %+v, want done", events[2])
	}
}

// TestOllamaClient_ChatStream_CallbackAbort verifies that a callback
// error stops the stream and is returned to the caller.
func TestOllamaClient_ChatStream_CallbackAbort(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"a"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":"b"},"done":false}` + "\n"))
		w.Write([]byte(`{"done":true}` + "\n"))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	abort := context.Canceled
	count := 0
	err := client.ChatStream(context.Background(), nil, GenerationParams{}, func(ev StreamEvent) error {
		count++
		return abort
	})
	if err != abort {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
	if count != 1 {
		t.Errorf("callback invoked %d times, want 1", count)
	}
}

// TestOllamaClient_Chat_ModelNotFound verifies the friendly error when
// Ollama reports a missing model.
func TestOllamaClient_Chat_ModelNotFound(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"model 'missing' not found"}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "missing")

	_, err := client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for missing model")
	}
	if !strings.Contains(err.Error(), "ollama pull missing") {
		t.Errorf("error %q does not carry the pull hint", err)
	}
}

// TestOllamaClient_Chat_ServerError verifies that a 5xx response is
// classified as transient.
func TestOllamaClient_Chat_ServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"overloaded"}`))
	}))
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	_, err := client.Chat(context.Background(), []datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !IsTransient(err) {
		t.Errorf("expected transient classification for 500, got %v", err)
	}
}
