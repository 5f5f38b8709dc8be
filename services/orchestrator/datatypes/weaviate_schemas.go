package datatypes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// ArchiveClassName is the Weaviate class holding archived turns.
const ArchiveClassName = "ArchiveRecord"

// EmbeddingMarker renders the embedding fingerprint embedded in the
// class description. Startup refuses a collection whose fingerprint
// does not match the configured embedder, because mixing vectors from
// different models silently corrupts similarity search.
func EmbeddingMarker(embeddingModel string, dim int) string {
	return fmt.Sprintf("embedding_model=%s dim=%d", embeddingModel, dim)
}

// GetArchiveRecordSchema returns the schema for the ArchiveRecord class.
//
// # Description
//
// ArchiveRecord stores every turn ever appended to any buffer, one
// object per turn, vector supplied client-side (Vectorizer "none").
// Records are append-only; the core never mutates or deletes them.
//
// # Properties
//
//   - record_id: Deterministic UUID string derived from the turn identity.
//   - node_id: The conversation node that produced the turn.
//   - role: user, assistant or system.
//   - content: The turn text.
//   - timestamp: Unix seconds (float) of the turn's production time.
//   - conversation_title: The node's title at indexing time.
func GetArchiveRecordSchema(embeddingModel string, dim int) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class: ArchiveClassName,
		Description: "Archived conversation turns across all nodes. " +
			EmbeddingMarker(embeddingModel, dim),
		Vectorizer: "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "record_id",
				DataType:        []string{"text"},
				Description:     "Deterministic unique ID for this turn.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "node_id",
				DataType:        []string{"text"},
				Description:     "The conversation node that produced the turn.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "Message role: user, assistant or system.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The turn text.",
				Tokenization: "word",
			},
			{
				Name:            "timestamp",
				DataType:        []string{"number"},
				Description:     "Unix seconds when the turn was produced, not indexed.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:         "conversation_title",
				DataType:     []string{"text"},
				Description:  "The node's title at indexing time.",
				Tokenization: "word",
			},
		},
	}
}

// EnsureArchiveSchema creates the ArchiveRecord class if absent and
// verifies the embedding fingerprint of an existing one.
//
// A class created with a different embedding model or dimension is
// rejected: the caller must either archive into a fresh Weaviate
// instance or clear the collection before switching models.
func EnsureArchiveSchema(ctx context.Context, client *weaviate.Client, embeddingModel string, dim int) error {
	class := GetArchiveRecordSchema(embeddingModel, dim)
	slog.Info("Checking archive schema", "class", class.Class)

	existing, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
	if err != nil {
		// Class getter errors when the class does not exist yet.
		slog.Info("Archive schema not found, creating it", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
		}
		slog.Info("Successfully created archive schema",
			"class", class.Class, "embedding_model", embeddingModel, "dim", dim)
		return nil
	}

	marker := EmbeddingMarker(embeddingModel, dim)
	if !strings.Contains(existing.Description, marker) {
		return fmt.Errorf(
			"archive class %s was created for a different embedder (description %q, want %q); clear the archive before switching embedding models",
			class.Class, existing.Description, marker)
	}
	slog.Info("Archive schema already exists", "class", class.Class, "embedding_model", embeddingModel)
	return nil
}
