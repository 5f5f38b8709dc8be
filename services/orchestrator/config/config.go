// Package config loads orchestrator settings.
//
// Settings come from environment variables with logged defaults and may be
// overlaid from a YAML file given on the command line. Retrieval and
// summarization tunables additionally support hot reload through Watcher;
// everything else (bind address, backends, archive endpoints) is read once
// at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Settings is the full orchestrator configuration.
//
// Every field maps to one environment variable; the YAML overlay uses the
// field's yaml tag as its key and only overwrites keys present in the file.
// LM_API_KEY is deliberately absent: the llm package resolves it from the
// environment or the container secret file, and it has no business in a
// config file that may end up in version control.
type Settings struct {
	// --- Service ---

	// Port is the HTTP bind port. Env: SUBCHAT_PORT.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// GinMode overrides the gin framework mode (debug, release, test).
	// Empty keeps gin's own GIN_MODE handling. Env: GIN_MODE.
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// Environment names the deployment environment. Env: SUBCHAT_ENV.
	Environment string `yaml:"environment"`

	// LogLevel is the slog level (debug, info, warn, error). Env: LOG_LEVEL.
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// --- Language model ---

	// LLMBackend selects the completion backend. Env: LLM_BACKEND_TYPE.
	LLMBackend string `yaml:"llm_backend" validate:"oneof=openai groq ollama echo"`

	// LMModelPrimary is the chat completion model. Empty lets the backend
	// pick its default. Env: LM_MODEL_PRIMARY.
	LMModelPrimary string `yaml:"lm_model_primary"`

	// LMModelDecomposition is the model for intent classification and
	// sub-query generation, usually smaller than the primary. Empty falls
	// back to the primary model. Env: LM_MODEL_DECOMPOSITION.
	LMModelDecomposition string `yaml:"lm_model_decomposition"`

	// LMTimeoutSeconds caps a single LM call, streaming included.
	// Env: LM_TIMEOUT_SECONDS.
	LMTimeoutSeconds int `yaml:"lm_timeout_seconds" validate:"gte=0"`

	// LMPoolSize is the number of concurrent LM calls allowed before
	// callers get 503. Env: LM_POOL_SIZE.
	LMPoolSize int `yaml:"lm_pool_size" validate:"gte=1"`

	// LMRateLimitRPS smooths outbound LM request rate; 0 disables
	// limiting. Env: LM_RATE_LIMIT_RPS.
	LMRateLimitRPS float64 `yaml:"lm_rate_limit_rps" validate:"gte=0"`

	// --- Archive ---

	// WeaviateURL is the vector archive endpoint. Empty runs the service
	// in lightweight mode without long-term memory.
	// Env: WEAVIATE_SERVICE_URL.
	WeaviateURL string `yaml:"weaviate_url"`

	// EmbeddingModel names the embedding model. Changing it requires a
	// fresh archive class; the schema bootstrap enforces the pairing.
	// Env: EMBEDDING_MODEL.
	EmbeddingModel string `yaml:"embedding_model"`

	// EmbeddingServiceURL marks the embedding sidecar as configured. The
	// embedding client reads the variable on every call, so this is
	// env-only and not part of the YAML surface.
	// Env: EMBEDDING_SERVICE_URL.
	EmbeddingServiceURL string `yaml:"-"`

	// ArchivePath is the local data root; forest snapshots live under
	// <ArchivePath>/forest. Env: ARCHIVE_PATH.
	ArchivePath string `yaml:"archive_path"`

	// SnapshotEnabled persists the forest across restarts.
	// Env: SNAPSHOT_ENABLED.
	SnapshotEnabled bool `yaml:"snapshot_enabled"`

	// --- Telemetry ---

	// OTelEndpoint is the OTLP trace collector endpoint.
	// Env: OTEL_EXPORTER_OTLP_ENDPOINT.
	OTelEndpoint string `yaml:"otel_endpoint"`

	// TraceExporter selects the span exporter (otlp, stdout, none).
	// Env: OTEL_TRACES_EXPORTER.
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=otlp jaeger stdout none"`

	// MetricExporter selects the otel metric exporter (prometheus,
	// stdout, none). Env: OTEL_METRICS_EXPORTER.
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`

	// --- Conversation ---

	// BufferMaxTurns is the per-node live buffer capacity.
	// Env: BUFFER_MAX_TURNS.
	BufferMaxTurns int `yaml:"buffer_max_turns" validate:"gte=1"`

	// SummarizationStartThreshold is the lifetime turn count at which the
	// first rolling-summary cycle fires. Runtime-tunable.
	// Env: SUMMARIZATION_START_THRESHOLD.
	SummarizationStartThreshold int `yaml:"summarization_start_threshold" validate:"gte=1"`

	// SummarizationInterval is the turn spacing between summary cycles
	// after the threshold. Runtime-tunable. Env: SUMMARIZATION_INTERVAL.
	SummarizationInterval int `yaml:"summarization_interval" validate:"gte=1"`

	// --- Retrieval ---

	// RetrievalWindowSeconds is the context window half-width around each
	// archive hit. Runtime-tunable. Env: RETRIEVAL_WINDOW_SECONDS.
	RetrievalWindowSeconds float64 `yaml:"retrieval_window_seconds" validate:"gt=0"`

	// RetrievalTopK is the retrieval result budget per turn.
	// Runtime-tunable. Env: RETRIEVAL_TOP_K.
	RetrievalTopK int `yaml:"retrieval_top_k" validate:"gte=1"`

	// RetrievalEnabledDefault gates archive retrieval for requests that
	// do not set disable_rag. Runtime-tunable.
	// Env: RETRIEVAL_ENABLED_DEFAULT.
	RetrievalEnabledDefault bool `yaml:"retrieval_enabled_default"`
}

// FromEnv builds Settings from the environment, falling back to defaults
// for anything unset.
func FromEnv() *Settings {
	backend := getEnvString("LLM_BACKEND_TYPE", "")
	if backend == "" {
		backend = "echo"
		slog.Warn("LLM_BACKEND_TYPE not set, using the echo backend", "backend", backend)
	}

	return &Settings{
		Port:        getEnvInt("SUBCHAT_PORT", 8080),
		GinMode:     getEnvString("GIN_MODE", ""),
		Environment: getEnvString("SUBCHAT_ENV", "development"),
		LogLevel:    getEnvString("LOG_LEVEL", "info"),

		LLMBackend:           backend,
		LMModelPrimary:       getEnvString("LM_MODEL_PRIMARY", ""),
		LMModelDecomposition: getEnvString("LM_MODEL_DECOMPOSITION", ""),
		LMTimeoutSeconds:     getEnvInt("LM_TIMEOUT_SECONDS", 120),
		LMPoolSize:           getEnvInt("LM_POOL_SIZE", 8),
		LMRateLimitRPS:       getEnvFloat("LM_RATE_LIMIT_RPS", 0),

		WeaviateURL:         getEnvString("WEAVIATE_SERVICE_URL", ""),
		EmbeddingModel:      getEnvString("EMBEDDING_MODEL", ""),
		EmbeddingServiceURL: getEnvString("EMBEDDING_SERVICE_URL", ""),
		ArchivePath:         getEnvString("ARCHIVE_PATH", "./data"),
		SnapshotEnabled:     getEnvBool("SNAPSHOT_ENABLED", false),

		OTelEndpoint:   getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		TraceExporter:  getEnvString("OTEL_TRACES_EXPORTER", "otlp"),
		MetricExporter: getEnvString("OTEL_METRICS_EXPORTER", "prometheus"),

		BufferMaxTurns:              getEnvInt("BUFFER_MAX_TURNS", 15),
		SummarizationStartThreshold: getEnvInt("SUMMARIZATION_START_THRESHOLD", 15),
		SummarizationInterval:       getEnvInt("SUMMARIZATION_INTERVAL", 5),

		RetrievalWindowSeconds:  getEnvFloat("RETRIEVAL_WINDOW_SECONDS", 60),
		RetrievalTopK:           getEnvInt("RETRIEVAL_TOP_K", 5),
		RetrievalEnabledDefault: getEnvBool("RETRIEVAL_ENABLED_DEFAULT", true),
	}
}

// Load builds Settings from the environment and, when path is non-empty,
// overlays the YAML file on top. Keys absent from the file keep their
// environment values.
func Load(path string) (*Settings, error) {
	s := FromEnv()
	if path != "" {
		if err := s.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	slog.Info("Applied config file overlay", "path", path)
	return nil
}

var validate = validator.New()

// Validate checks field constraints and logs cross-field warnings. A
// buffer shorter than the summarization threshold is legal: cycles then
// draw from whatever the live buffer holds, so it only warns.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if s.BufferMaxTurns < s.SummarizationStartThreshold {
		slog.Warn("Buffer capacity is below the summarization start threshold; summaries will draw from a shorter live buffer",
			"buffer_max_turns", s.BufferMaxTurns,
			"summarization_start_threshold", s.SummarizationStartThreshold)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (s *Settings) Addr() string { return fmt.Sprintf(":%d", s.Port) }

// Tunables extracts the hot-reloadable subset.
func (s *Settings) Tunables() Tunables {
	return Tunables{
		RetrievalTopK:               s.RetrievalTopK,
		RetrievalWindowSeconds:      s.RetrievalWindowSeconds,
		RetrievalEnabledDefault:     s.RetrievalEnabledDefault,
		SummarizationStartThreshold: s.SummarizationStartThreshold,
		SummarizationInterval:       s.SummarizationInterval,
	}
}

// getEnvString returns an environment variable as string, or defaultVal if
// not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns an environment variable as int, or defaultVal if not
// set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", val)
	}
	return defaultVal
}

// getEnvFloat returns an environment variable as float64, or defaultVal if
// not set/invalid.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
		slog.Warn("Ignoring non-numeric environment value", "key", key, "value", val)
	}
	return defaultVal
}

// getEnvBool returns an environment variable as bool, or defaultVal if not
// set/invalid.
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
		slog.Warn("Ignoring non-boolean environment value", "key", key, "value", val)
	}
	return defaultVal
}
