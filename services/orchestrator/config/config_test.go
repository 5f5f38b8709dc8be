package config

import (
	"os"
	"path/filepath"
	"testing"
)

// clearEnv blanks every variable FromEnv reads so tests see pure defaults
// regardless of the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SUBCHAT_PORT", "GIN_MODE", "SUBCHAT_ENV", "LOG_LEVEL",
		"LLM_BACKEND_TYPE", "LM_MODEL_PRIMARY", "LM_MODEL_DECOMPOSITION",
		"LM_TIMEOUT_SECONDS", "LM_POOL_SIZE", "LM_RATE_LIMIT_RPS",
		"WEAVIATE_SERVICE_URL", "EMBEDDING_MODEL", "EMBEDDING_SERVICE_URL",
		"ARCHIVE_PATH", "SNAPSHOT_ENABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER",
		"BUFFER_MAX_TURNS", "SUMMARIZATION_START_THRESHOLD", "SUMMARIZATION_INTERVAL",
		"RETRIEVAL_WINDOW_SECONDS", "RETRIEVAL_TOP_K", "RETRIEVAL_ENABLED_DEFAULT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	s := FromEnv()

	if s.Port != 8080 {
		t.Errorf("Port = %d, want 8080", s.Port)
	}
	if s.LLMBackend != "echo" {
		t.Errorf("LLMBackend = %q, want echo", s.LLMBackend)
	}
	if s.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", s.LogLevel)
	}
	if s.LMTimeoutSeconds != 120 {
		t.Errorf("LMTimeoutSeconds = %d, want 120", s.LMTimeoutSeconds)
	}
	if s.LMPoolSize != 8 {
		t.Errorf("LMPoolSize = %d, want 8", s.LMPoolSize)
	}
	if s.BufferMaxTurns != 15 {
		t.Errorf("BufferMaxTurns = %d, want 15", s.BufferMaxTurns)
	}
	if s.SummarizationStartThreshold != 15 {
		t.Errorf("SummarizationStartThreshold = %d, want 15", s.SummarizationStartThreshold)
	}
	if s.SummarizationInterval != 5 {
		t.Errorf("SummarizationInterval = %d, want 5", s.SummarizationInterval)
	}
	if s.RetrievalTopK != 5 {
		t.Errorf("RetrievalTopK = %d, want 5", s.RetrievalTopK)
	}
	if s.RetrievalWindowSeconds != 60 {
		t.Errorf("RetrievalWindowSeconds = %v, want 60", s.RetrievalWindowSeconds)
	}
	if !s.RetrievalEnabledDefault {
		t.Error("RetrievalEnabledDefault = false, want true")
	}
	if s.TraceExporter != "otlp" {
		t.Errorf("TraceExporter = %q, want otlp", s.TraceExporter)
	}
	if s.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q, want prometheus", s.MetricExporter)
	}
	if s.SnapshotEnabled {
		t.Error("SnapshotEnabled = true, want false")
	}

	if err := s.Validate(); err != nil {
		t.Errorf("default settings failed validation: %v", err)
	}
}

func TestFromEnv_ReadsOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SUBCHAT_PORT", "9090")
	t.Setenv("LLM_BACKEND_TYPE", "ollama")
	t.Setenv("BUFFER_MAX_TURNS", "20")
	t.Setenv("RETRIEVAL_ENABLED_DEFAULT", "false")
	t.Setenv("RETRIEVAL_WINDOW_SECONDS", "12.5")
	t.Setenv("SNAPSHOT_ENABLED", "true")

	s := FromEnv()

	if s.Port != 9090 {
		t.Errorf("Port = %d, want 9090", s.Port)
	}
	if s.LLMBackend != "ollama" {
		t.Errorf("LLMBackend = %q, want ollama", s.LLMBackend)
	}
	if s.BufferMaxTurns != 20 {
		t.Errorf("BufferMaxTurns = %d, want 20", s.BufferMaxTurns)
	}
	if s.RetrievalEnabledDefault {
		t.Error("RetrievalEnabledDefault = true, want false")
	}
	if s.RetrievalWindowSeconds != 12.5 {
		t.Errorf("RetrievalWindowSeconds = %v, want 12.5", s.RetrievalWindowSeconds)
	}
	if !s.SnapshotEnabled {
		t.Error("SnapshotEnabled = false, want true")
	}
}

func TestFromEnv_IgnoresMalformedValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("BUFFER_MAX_TURNS", "a-lot")
	t.Setenv("LM_RATE_LIMIT_RPS", "fast")
	t.Setenv("SNAPSHOT_ENABLED", "yep")

	s := FromEnv()

	if s.BufferMaxTurns != 15 {
		t.Errorf("BufferMaxTurns = %d, want default 15", s.BufferMaxTurns)
	}
	if s.LMRateLimitRPS != 0 {
		t.Errorf("LMRateLimitRPS = %v, want default 0", s.LMRateLimitRPS)
	}
	if s.SnapshotEnabled {
		t.Error("SnapshotEnabled = true, want default false")
	}
}

func TestLoad_OverlaysYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("SUMMARIZATION_INTERVAL", "7")

	path := filepath.Join(t.TempDir(), "subchat.yaml")
	yaml := "port: 9999\nretrieval_top_k: 9\nllm_backend: ollama\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if s.Port != 9999 {
		t.Errorf("Port = %d, want 9999 from file", s.Port)
	}
	if s.RetrievalTopK != 9 {
		t.Errorf("RetrievalTopK = %d, want 9 from file", s.RetrievalTopK)
	}
	if s.LLMBackend != "ollama" {
		t.Errorf("LLMBackend = %q, want ollama from file", s.LLMBackend)
	}
	// Keys absent from the file keep their environment values.
	if s.SummarizationInterval != 7 {
		t.Errorf("SummarizationInterval = %d, want 7 from env", s.SummarizationInterval)
	}
	if s.BufferMaxTurns != 15 {
		t.Errorf("BufferMaxTurns = %d, want default 15", s.BufferMaxTurns)
	}
}

func TestLoad_EmptyPathSkipsOverlay(t *testing.T) {
	clearEnv(t)

	s, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if s.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", s.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() with missing file succeeded, want error")
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "subchat.yaml")
	if err := os.WriteFile(path, []byte("port: [unterminated"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load() with malformed YAML succeeded, want error")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		yaml string
	}{
		{"negative port", "port: -1\n"},
		{"unknown backend", "llm_backend: claude\n"},
		{"zero buffer", "buffer_max_turns: 0\n"},
		{"zero retrieval window", "retrieval_window_seconds: 0\n"},
		{"unknown trace exporter", "trace_exporter: zipkin\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "subchat.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatalf("write config file: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() accepted %q, want validation error", tt.yaml)
			}
		})
	}
}

func TestValidate_ShortBufferWarnsButPasses(t *testing.T) {
	clearEnv(t)
	t.Setenv("BUFFER_MAX_TURNS", "5")

	s := FromEnv()
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil: a short buffer warns, it does not reject", err)
	}
}

func TestTunables_Subset(t *testing.T) {
	s := &Settings{
		RetrievalTopK:               3,
		RetrievalWindowSeconds:      30,
		RetrievalEnabledDefault:     false,
		SummarizationStartThreshold: 10,
		SummarizationInterval:       2,
		Port:                        8080, // startup-only, must not leak into tunables
	}

	got := s.Tunables()
	want := Tunables{
		RetrievalTopK:               3,
		RetrievalWindowSeconds:      30,
		RetrievalEnabledDefault:     false,
		SummarizationStartThreshold: 10,
		SummarizationInterval:       2,
	}
	if got != want {
		t.Errorf("Tunables() = %+v, want %+v", got, want)
	}
}

func TestSettings_Addr(t *testing.T) {
	s := &Settings{Port: 8081}
	if got := s.Addr(); got != ":8081" {
		t.Errorf("Addr() = %q, want :8081", got)
	}
}
