package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonmehedi/subchat/services/llm"
	"github.com/moonmehedi/subchat/services/orchestrator/config"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/memory"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	// Set Gin to test mode to reduce noise in test output
	gin.SetMode(gin.TestMode)
}

// testSettings returns quiet, offline-friendly settings: echo backend,
// no archive, no telemetry exporters.
func testSettings() *config.Settings {
	return &config.Settings{
		GinMode:                     "test",
		LLMBackend:                  "echo",
		LMPoolSize:                  2,
		TraceExporter:               "none",
		MetricExporter:              "none",
		BufferMaxTurns:              15,
		SummarizationStartThreshold: 15,
		SummarizationInterval:       5,
		RetrievalWindowSeconds:      60,
		RetrievalTopK:               5,
		RetrievalEnabledDefault:     true,
		ArchivePath:                 "./data",
	}
}

// captureClient records the params of the last Generate call.
type captureClient struct {
	params llm.GenerationParams
}

func (c *captureClient) Generate(_ context.Context, _ string, params llm.GenerationParams) (string, error) {
	c.params = params
	return "ok", nil
}

func (c *captureClient) Chat(_ context.Context, _ []datatypes.Message, params llm.GenerationParams) (string, error) {
	c.params = params
	return "ok", nil
}

func (c *captureClient) ChatStream(_ context.Context, _ []datatypes.Message, params llm.GenerationParams, callback llm.StreamCallback) error {
	c.params = params
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_EchoBackendLightweightMode(t *testing.T) {
	svc, err := New(testSettings(), "")
	require.NoError(t, err)
	require.NotNil(t, svc.Router())

	s := svc.(*service)
	assert.Nil(t, s.archive, "no Weaviate URL should leave the archive nil")
	assert.Nil(t, s.retriever, "lightweight mode has no retriever")
	assert.NotNil(t, s.chatService)
	assert.NotNil(t, s.summarizer, "summarization runs even without the archive")

	w := httptest.NewRecorder()
	svc.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNew_NilSettingsFallsBackToEnv(t *testing.T) {
	t.Setenv("LLM_BACKEND_TYPE", "echo")
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("OTEL_METRICS_EXPORTER", "none")
	t.Setenv("WEAVIATE_SERVICE_URL", "")

	svc, err := New(nil, "")
	require.NoError(t, err)
	assert.NotNil(t, svc.Router())
}

func TestNew_RegistersCoreRoutes(t *testing.T) {
	svc, err := New(testSettings(), "")
	require.NoError(t, err)

	registered := make(map[string]bool)
	for _, route := range svc.Router().Routes() {
		registered[route.Method+" "+route.Path] = true
	}

	for _, want := range []string{
		"GET /health",
		"GET /metrics",
		"POST /api/conversations",
		"GET /api/conversations",
		"GET /api/conversations/:node_id",
		"POST /api/conversations/:node_id/subchats",
		"GET /api/conversations/:node_id/history",
		"GET /api/conversations/:node_id/tree",
		"POST /api/conversations/:node_id/messages",
		"POST /api/conversations/:node_id/messages/stream",
		"GET /api/conversations/:node_id/ws",
	} {
		assert.True(t, registered[want], "route %s should be registered", want)
	}
}

func TestNew_InvalidWeaviateURLDegradesGracefully(t *testing.T) {
	settings := testSettings()
	settings.WeaviateURL = "http://%zz"

	svc, err := New(settings, "")
	require.NoError(t, err, "a broken archive URL must not fail startup")
	assert.Nil(t, svc.(*service).archive)
}

// =============================================================================
// Snapshot Tests
// =============================================================================

func TestNew_SnapshotRoundTrip(t *testing.T) {
	settings := testSettings()
	settings.SnapshotEnabled = true
	settings.ArchivePath = t.TempDir()

	svc, err := New(settings, "")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/conversations",
		strings.NewReader(`{"title":"persisted across restarts"}`))
	req.Header.Set("Content-Type", "application/json")
	svc.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var created datatypes.CreateConversationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.NodeID)

	// Shutdown path: saves the snapshot and closes the store.
	svc.(*service).cleanup()

	restored, err := New(settings, "")
	require.NoError(t, err)
	defer restored.(*service).cleanup()

	w = httptest.NewRecorder()
	restored.Router().ServeHTTP(w,
		httptest.NewRequest(http.MethodGet, "/api/conversations/"+created.NodeID, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "persisted across restarts")
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestRun_StopsOnContextCancel(t *testing.T) {
	svc, err := New(testSettings(), "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// Give the listener a moment to come up on the ephemeral port.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

// =============================================================================
// Wiring Tests
// =============================================================================

func TestPickEmbedder(t *testing.T) {
	t.Run("sidecar configured", func(t *testing.T) {
		s := &service{settings: &config.Settings{
			EmbeddingServiceURL: "http://embedder:7861",
			EmbeddingModel:      "all-MiniLM-L6-v2",
		}}
		_, ok := s.pickEmbedder().(*memory.ServiceEmbedder)
		assert.True(t, ok, "sidecar URL should select the service embedder")
	})

	t.Run("echo backend hashes", func(t *testing.T) {
		s := &service{settings: &config.Settings{LLMBackend: "echo"}}
		_, ok := s.pickEmbedder().(*memory.HashEmbedder)
		assert.True(t, ok)
	})

	t.Run("openai without key falls back", func(t *testing.T) {
		t.Setenv("LM_API_KEY", "")
		s := &service{settings: &config.Settings{LLMBackend: "openai"}}
		_, ok := s.pickEmbedder().(*memory.HashEmbedder)
		assert.True(t, ok, "missing API key should fall back to the hash embedder")
	})
}

func TestGenerateFunc_AppliesModelOverride(t *testing.T) {
	client := &captureClient{}
	s := &service{llmPool: llm.NewPool(client, llm.PoolConfig{Size: 1})}

	gen := s.generateFunc("small-model")
	out, err := gen(context.Background(), "classify this", 64)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, "small-model", client.params.Model)
	require.NotNil(t, client.params.MaxTokens)
	assert.Equal(t, 64, *client.params.MaxTokens)

	gen = s.generateFunc("")
	_, err = gen(context.Background(), "summarize", 0)
	require.NoError(t, err)
	assert.Empty(t, client.params.Model, "empty override should defer to the primary model")
	assert.Nil(t, client.params.MaxTokens)
}

func TestApplyTunables_UpdatesPipeline(t *testing.T) {
	svc, err := New(testSettings(), "")
	require.NoError(t, err)
	s := svc.(*service)

	// Lightweight mode has no retriever; wire one so the reload path
	// covers it.
	s.retriever = memory.NewRetriever(nil, memory.DefaultRetrieverConfig())

	s.applyTunables(config.Tunables{
		RetrievalTopK:               9,
		RetrievalWindowSeconds:      30,
		RetrievalEnabledDefault:     false,
		SummarizationStartThreshold: 20,
		SummarizationInterval:       10,
	})

	assert.Equal(t, 9, s.retriever.Config().TopK)
	assert.Equal(t, 30.0, s.retriever.Config().WindowSeconds)
	assert.Equal(t, 20, s.summarizer.Config().StartThreshold)
	assert.Equal(t, 10, s.summarizer.Config().Interval)
}
