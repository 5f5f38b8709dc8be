package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// Embedder produces the dense vectors stored alongside archive records
// and used for nearest-neighbor queries.
//
// # Description
//
// An Embedder is a fixed sentence-embedding function: identical input
// text must produce identical vectors, and every vector it returns has
// exactly Dim() elements. Model() identifies the embedding model so the
// archive can refuse to mix vectors from different models in one
// collection.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Model returns the embedding model identifier, e.g. "all-MiniLM-L6-v2".
	Model() string

	// Dim returns the vector dimension produced by Model.
	Dim() int
}

// ServiceEmbedder calls the external embedding service at
// EMBEDDING_SERVICE_URL.
//
// # Description
//
// ServiceEmbedder is the production embedder. It posts text to the
// embedding sidecar and returns the vector from the response. The
// response dimension is checked against the configured dimension on
// every call so a misconfigured sidecar cannot silently write vectors
// from a different model into the archive.
//
// # Thread Safety
//
// ServiceEmbedder is safe for concurrent use.
type ServiceEmbedder struct {
	model string
	dim   int
}

// NewServiceEmbedder creates a ServiceEmbedder for the given model and
// dimension. Defaults come from EMBEDDING_MODEL (all-MiniLM-L6-v2) and
// EMBEDDING_DIM (384) when the arguments are zero-valued.
func NewServiceEmbedder(model string, dim int) *ServiceEmbedder {
	if model == "" {
		model = getEnvString("EMBEDDING_MODEL", "all-MiniLM-L6-v2")
	}
	if dim <= 0 {
		dim = getEnvInt("EMBEDDING_DIM", 384)
	}
	return &ServiceEmbedder{model: model, dim: dim}
}

// Embed posts the text to the embedding service and returns the vector.
//
// # Outputs
//
//   - []float32: The embedding vector, always of length Dim().
//   - error: Non-nil if the service is unreachable, returns a non-200
//     status, or returns a vector of the wrong dimension.
func (e *ServiceEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp datatypes.EmbeddingResponse
	if err := resp.GetWithContext(ctx, text); err != nil {
		return nil, fmt.Errorf("embedding service call failed: %w", err)
	}
	if resp.Dim != e.dim {
		return nil, fmt.Errorf("embedding service returned dim %d, want %d for model %s", resp.Dim, e.dim, e.model)
	}
	return resp.Vector, nil
}

// Model returns the configured embedding model name.
func (e *ServiceEmbedder) Model() string { return e.model }

// Dim returns the configured embedding dimension.
func (e *ServiceEmbedder) Dim() int { return e.dim }

// HashEmbedder is a deterministic local embedder with no external
// dependencies.
//
// # Description
//
// HashEmbedder folds hashed word tokens into a fixed-size vector and
// normalizes the result. Texts sharing tokens get correlated vectors,
// which is enough signal for the echo backend and for tests: identical
// inputs always embed identically, and related inputs score above
// unrelated ones under cosine similarity. It is not a semantic model
// and must never share a collection with one.
//
// # Thread Safety
//
// HashEmbedder is safe for concurrent use.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder with the given dimension.
// Non-positive dimensions fall back to 384.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &HashEmbedder{dim: dim}
}

// Embed returns a deterministic unit vector for the text. It never
// fails; the error return satisfies Embedder.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(tok))
		h := binary.BigEndian.Uint64(sum[:8])
		idx := int(h % uint64(e.dim))
		if h&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

// Model identifies the hash embedder so the archive schema marker keeps
// hash-embedded collections separate from real ones.
func (e *HashEmbedder) Model() string { return "local-hash" }

// Dim returns the configured vector dimension.
func (e *HashEmbedder) Dim() int { return e.dim }
