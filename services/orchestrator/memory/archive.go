// Package memory is the long-term side of conversation context: a
// Weaviate-backed archive of every turn that ever left a node's live
// buffer window, plus the query decomposition and context-window
// retrieval that pull archived turns back into prompts.
//
// The archive is best-effort on the write path (a failed index never
// breaks a live chat turn) and eventually consistent on the read path.
package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("subchat.orchestrator.memory")

// turnSeparators split long turns the way plain prose splits: paragraph,
// line, word.
var turnSeparators = []string{"\n\n", "\n", " ", ""}

// maxWindowRecords bounds a single context-window fetch. Windows span
// two minutes of one conversation, so this is never the binding limit
// in practice.
const maxWindowRecords = 100

// Filter narrows an archive query. Zero values leave the corresponding
// dimension unfiltered.
type Filter struct {
	// NodeID restricts results to one conversation node.
	NodeID string

	// Roles restricts results to turns with any of these roles.
	Roles []string

	// MaxTimestamp excludes records with timestamp >= this bound. This
	// is the buffer cutoff: retrieval uses it so the archive never
	// returns turns the live buffer already supplies. Zero or +Inf
	// means no bound.
	MaxTimestamp float64
}

// where builds the Weaviate filter for this Filter, or nil when the
// filter is empty.
func (f Filter) where() *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if f.NodeID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"node_id"}).
			WithOperator(filters.Equal).
			WithValueText(f.NodeID))
	}
	if len(f.Roles) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"role"}).
			WithOperator(filters.ContainsAny).
			WithValueText(f.Roles...))
	}
	if hasCutoff(f.MaxTimestamp) {
		operands = append(operands, filters.Where().
			WithPath([]string{"timestamp"}).
			WithOperator(filters.LessThan).
			WithValueNumber(f.MaxTimestamp))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

// hasCutoff reports whether t is a usable upper timestamp bound.
func hasCutoff(t float64) bool {
	return t > 0 && !math.IsInf(t, 1)
}

// ScoredRecord pairs an archived turn with its match quality. Score is
// Weaviate certainty in [0,1]; higher is a closer match.
type ScoredRecord struct {
	datatypes.ArchiveRecordProps
	Score float64
}

// ArchiveConfig tunes the archive's write and query behavior.
type ArchiveConfig struct {
	// IndexTimeoutMs caps a single Index call, embedding included.
	// Default: 5000
	IndexTimeoutMs int

	// ChunkSize is the splitter chunk size in characters. Turns longer
	// than this embed only their first chunk.
	// Default: 1000
	ChunkSize int

	// ChunkOverlap is the splitter overlap in characters.
	// Default: 100
	ChunkOverlap int

	// MaxEmbedLength caps query text sent to the embedder.
	// Default: 512
	MaxEmbedLength int

	// BackupBackend is the Weaviate backup backend name.
	// Default: "filesystem"
	BackupBackend string
}

// DefaultArchiveConfig returns the default archive configuration.
// Values can be overridden via environment variables:
//   - ARCHIVE_INDEX_TIMEOUT_MS (default: 5000)
//   - ARCHIVE_CHUNK_SIZE (default: 1000)
//   - ARCHIVE_CHUNK_OVERLAP (default: 100)
//   - ARCHIVE_MAX_EMBED_LENGTH (default: 512)
//   - WEAVIATE_BACKUP_BACKEND (default: "filesystem")
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		IndexTimeoutMs: getEnvInt("ARCHIVE_INDEX_TIMEOUT_MS", 5000),
		ChunkSize:      getEnvInt("ARCHIVE_CHUNK_SIZE", 1000),
		ChunkOverlap:   getEnvInt("ARCHIVE_CHUNK_OVERLAP", 100),
		MaxEmbedLength: getEnvInt("ARCHIVE_MAX_EMBED_LENGTH", 512),
		BackupBackend:  getEnvString("WEAVIATE_BACKUP_BACKEND", "filesystem"),
	}
}

// Archive stores and retrieves archived conversation turns in Weaviate.
//
// # Description
//
// Every turn appended to a node is written here with a client-side
// vector, keyed by a deterministic record id derived from the turn
// itself. Queries run approximate nearest-neighbor search under cosine
// distance with metadata filters on node, role, and timestamp. Records
// survive node deletion and process restarts; the collection is the
// system's only unbounded store.
//
// # Thread Safety
//
// Archive is safe for concurrent use. The Weaviate client handles
// connection pooling.
//
// # Example
//
//	archive := NewArchive(client, NewServiceEmbedder("", 0), DefaultArchiveConfig())
//	if err := archive.EnsureSchema(ctx); err != nil {
//	    return err
//	}
//	archive.Index(ctx, rec)
type Archive struct {
	client   *weaviate.Client
	embedder Embedder
	splitter textsplitter.TextSplitter
	config   ArchiveConfig
}

// NewArchive creates an Archive over the given Weaviate client and
// embedder. Invalid config fields are reset to their defaults. Panics
// if client or embedder is nil: the archive has no degraded mode, and
// callers that want chat without memory should not construct one.
func NewArchive(client *weaviate.Client, embedder Embedder, config ArchiveConfig) *Archive {
	if client == nil {
		panic("memory: NewArchive requires a Weaviate client")
	}
	if embedder == nil {
		panic("memory: NewArchive requires an embedder")
	}
	if config.IndexTimeoutMs <= 0 {
		slog.Warn("Invalid archive index timeout, using default", "got", config.IndexTimeoutMs, "default", 5000)
		config.IndexTimeoutMs = 5000
	}
	if config.ChunkSize <= 0 {
		slog.Warn("Invalid archive chunk size, using default", "got", config.ChunkSize, "default", 1000)
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		slog.Warn("Invalid archive chunk overlap, using default", "got", config.ChunkOverlap, "default", config.ChunkSize/10)
		config.ChunkOverlap = config.ChunkSize / 10
	}
	if config.MaxEmbedLength <= 0 {
		config.MaxEmbedLength = 512
	}
	if config.BackupBackend == "" {
		config.BackupBackend = "filesystem"
	}
	return &Archive{
		client:   client,
		embedder: embedder,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(config.ChunkSize),
			textsplitter.WithChunkOverlap(config.ChunkOverlap),
			textsplitter.WithSeparators(turnSeparators),
		),
		config: config,
	}
}

// EnsureSchema creates the ArchiveRecord class if it is missing and
// verifies its embedding-model marker. A collection written by a
// different embedding model is rejected rather than silently mixed.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	return datatypes.EnsureArchiveSchema(ctx, a.client, a.embedder.Model(), a.embedder.Dim())
}

// recordID derives the deterministic archive id for a turn. The same
// turn always maps to the same Weaviate object id, so re-indexing a
// turn (retries, snapshot replays) cannot duplicate records.
func recordID(nodeID, role string, timestamp float64) string {
	key := nodeID + "|" + role + "|" + strconv.FormatFloat(timestamp, 'f', 6, 64)
	sum := sha256.Sum256([]byte(key))
	id, _ := uuid.FromBytes(sum[:16])
	return id.String()
}

// Index writes one turn to the archive.
//
// # Description
//
// Index is synchronous and best-effort: it embeds the content and
// creates the Weaviate object within IndexTimeoutMs, and on any failure
// it logs and returns. A chat turn must never fail because the archive
// write did. rec.RecordID is derived from the turn; callers leave it
// empty.
//
// Content longer than the chunk size embeds only its first splitter
// chunk. The full content is stored either way.
//
// # Inputs
//
//   - ctx: Context for cancellation; the configured timeout is applied
//     on top of it.
//   - rec: The turn to archive, with the turn's own timestamp (not the
//     indexing time).
func (a *Archive) Index(ctx context.Context, rec datatypes.ArchiveRecordProps) {
	ctx, span := tracer.Start(ctx, "ArchiveIndex")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.config.IndexTimeoutMs)*time.Millisecond)
	defer cancel()

	rec.RecordID = recordID(rec.NodeID, rec.Role, rec.Timestamp)

	embedInput := rec.Content
	if len(embedInput) > a.config.ChunkSize {
		chunks, err := a.splitter.SplitText(embedInput)
		if err != nil || len(chunks) == 0 {
			slog.Warn("Failed to split long turn for embedding, truncating",
				"record_id", rec.RecordID, "len", len(embedInput), "error", err)
			embedInput = embedInput[:a.config.ChunkSize]
		} else {
			embedInput = chunks[0]
		}
	}

	vector, err := a.embedder.Embed(ctx, embedInput)
	if err != nil {
		slog.Warn("Archive index skipped: embedding failed",
			"record_id", rec.RecordID, "node_id", rec.NodeID, "error", err)
		return
	}

	_, err = a.client.Data().Creator().
		WithClassName(datatypes.ArchiveClassName).
		WithID(rec.RecordID).
		WithProperties(rec.ToMap()).
		WithVector(vector).
		Do(ctx)
	if err != nil {
		slog.Warn("Archive index failed",
			"record_id", rec.RecordID, "node_id", rec.NodeID, "error", err)
		return
	}

	slog.Debug("Archived turn",
		"record_id", rec.RecordID, "node_id", rec.NodeID, "role", rec.Role)
}

// Query runs nearest-neighbor search over the archive.
//
// # Description
//
// Returns up to k records sorted by descending match quality. The
// filter's MaxTimestamp, when set, excludes records at or above the
// bound; this is how retrieval keeps live-buffer turns out of archive
// results.
//
// # Outputs
//
//   - []ScoredRecord: Matches ordered best-first, scores from Weaviate
//     certainty.
//   - error: Non-nil if the search or response parsing fails.
func (a *Archive) Query(ctx context.Context, vector []float32, k int, f Filter) ([]ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "ArchiveQuery")
	defer span.End()

	if k <= 0 {
		return nil, nil
	}

	nearVector := a.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	builder := a.client.GraphQL().Get().
		WithClassName(datatypes.ArchiveClassName).
		WithFields(archiveFields(true)...).
		WithNearVector(nearVector).
		WithLimit(k)
	if where := f.where(); where != nil {
		builder = builder.WithWhere(where)
	}

	result, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive query failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArchiveQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive query results: %w", err)
	}

	records := make([]ScoredRecord, 0, len(parsed.Get.ArchiveRecord))
	for _, res := range parsed.Get.ArchiveRecord {
		records = append(records, scoredFromResult(res))
	}
	return records, nil
}

// QueryText embeds the text and runs Query. Query text is truncated to
// MaxEmbedLength before embedding.
func (a *Archive) QueryText(ctx context.Context, text string, k int, f Filter) ([]ScoredRecord, error) {
	if len(text) > a.config.MaxEmbedLength {
		text = text[:a.config.MaxEmbedLength]
	}
	vector, err := a.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return a.Query(ctx, vector, k, f)
}

// Window fetches the context window around one archived turn: every
// record in the same node with timestamp in [center-halfWidth,
// center+halfWidth], in chronological order. maxTimestamp additionally
// clamps the window below the buffer cutoff (records at or above it are
// excluded); pass 0 or +Inf for no clamp.
func (a *Archive) Window(ctx context.Context, nodeID string, center, halfWidth, maxTimestamp float64) ([]datatypes.ArchiveRecordProps, error) {
	ctx, span := tracer.Start(ctx, "ArchiveWindow")
	defer span.End()

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"node_id"}).
			WithOperator(filters.Equal).
			WithValueText(nodeID),
		filters.Where().
			WithPath([]string{"timestamp"}).
			WithOperator(filters.GreaterThanEqual).
			WithValueNumber(center - halfWidth),
		filters.Where().
			WithPath([]string{"timestamp"}).
			WithOperator(filters.LessThanEqual).
			WithValueNumber(center + halfWidth),
	}
	if hasCutoff(maxTimestamp) {
		operands = append(operands, filters.Where().
			WithPath([]string{"timestamp"}).
			WithOperator(filters.LessThan).
			WithValueNumber(maxTimestamp))
	}
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)

	sortBy := graphql.Sort{
		Path:  []string{"timestamp"},
		Order: graphql.Asc,
	}

	result, err := a.client.GraphQL().Get().
		WithClassName(datatypes.ArchiveClassName).
		WithFields(archiveFields(false)...).
		WithWhere(where).
		WithSort(sortBy).
		WithLimit(maxWindowRecords).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive window query failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArchiveQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive window results: %w", err)
	}

	records := make([]datatypes.ArchiveRecordProps, 0, len(parsed.Get.ArchiveRecord))
	for _, res := range parsed.Get.ArchiveRecord {
		records = append(records, propsFromResult(res))
	}
	return records, nil
}

// ArchiveStats reports the archive's size and the embedding model its
// collection is bound to.
type ArchiveStats struct {
	Records        int64  `json:"records"`
	EmbeddingModel string `json:"embedding_model"`
	Dim            int    `json:"dim"`
}

// Stats returns the archive record count via a meta aggregate.
func (a *Archive) Stats(ctx context.Context) (ArchiveStats, error) {
	stats := ArchiveStats{
		EmbeddingModel: a.embedder.Model(),
		Dim:            a.embedder.Dim(),
	}

	result, err := a.client.GraphQL().Aggregate().
		WithClassName(datatypes.ArchiveClassName).
		WithFields(graphql.Field{
			Name:   "meta",
			Fields: []graphql.Field{{Name: "count"}},
		}).
		Do(ctx)
	if err != nil {
		return stats, fmt.Errorf("archive aggregate failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ArchiveAggregateResponse](result)
	if err != nil {
		return stats, fmt.Errorf("failed to parse archive aggregate: %w", err)
	}
	if len(parsed.Aggregate.ArchiveRecord) > 0 {
		stats.Records = parsed.Aggregate.ArchiveRecord[0].Meta.Count
	}
	return stats, nil
}

// Clear deletes every archive record and re-verifies the schema. Admin
// surface only; there is no undo short of a backup restore.
func (a *Archive) Clear(ctx context.Context) (int, error) {
	slog.Warn("Clearing all archive records")

	where := filters.Where().
		WithPath([]string{"record_id"}).
		WithOperator(filters.Like).
		WithValueText("*")

	resp, err := a.client.Batch().ObjectsBatchDeleter().
		WithClassName(datatypes.ArchiveClassName).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("archive clear failed: %w", err)
	}

	deleted := 0
	if resp != nil && resp.Results != nil {
		deleted = int(resp.Results.Successful)
	}

	if err := a.EnsureSchema(ctx); err != nil {
		return deleted, fmt.Errorf("archive schema check after clear failed: %w", err)
	}

	slog.Info("Archive cleared", "deleted", deleted)
	return deleted, nil
}

// Backup snapshots the Weaviate instance under the given backup id and
// waits for completion. Returns the final backup status.
func (a *Archive) Backup(ctx context.Context, id string) (string, error) {
	resp, err := a.client.Backup().Creator().
		WithBackend(a.config.BackupBackend).
		WithBackupID(id).
		WithWaitForCompletion(true).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("backup %s failed: %w", id, err)
	}

	status := ""
	if resp != nil && resp.Status != nil {
		status = *resp.Status
	}
	slog.Info("Archive backup complete", "id", id, "status", status)
	return status, nil
}

// Restore restores a previously created backup and waits for
// completion. Returns the final restore status.
func (a *Archive) Restore(ctx context.Context, id string) (string, error) {
	resp, err := a.client.Backup().Restorer().
		WithBackend(a.config.BackupBackend).
		WithBackupID(id).
		WithWaitForCompletion(true).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("restore %s failed: %w", id, err)
	}

	status := ""
	if resp != nil && resp.Status != nil {
		status = *resp.Status
	}
	slog.Info("Archive restore complete", "id", id, "status", status)
	return status, nil
}

// archiveFields lists the ArchiveRecord properties to fetch. withScore
// adds the _additional certainty block, valid only on vector searches.
func archiveFields(withScore bool) []graphql.Field {
	fields := []graphql.Field{
		{Name: "record_id"},
		{Name: "node_id"},
		{Name: "role"},
		{Name: "content"},
		{Name: "timestamp"},
		{Name: "conversation_title"},
	}
	if withScore {
		fields = append(fields, graphql.Field{
			Name:   "_additional",
			Fields: []graphql.Field{{Name: "certainty"}},
		})
	}
	return fields
}

func propsFromResult(res datatypes.ArchiveResult) datatypes.ArchiveRecordProps {
	return datatypes.ArchiveRecordProps{
		RecordID:          res.RecordID,
		NodeID:            res.NodeID,
		Role:              res.Role,
		Content:           res.Content,
		Timestamp:         res.Timestamp,
		ConversationTitle: res.ConversationTitle,
	}
}

func scoredFromResult(res datatypes.ArchiveResult) ScoredRecord {
	score := 0.0
	if res.Additional.Certainty != nil {
		score = float64(*res.Additional.Certainty)
	}
	return ScoredRecord{
		ArchiveRecordProps: propsFromResult(res),
		Score:              score,
	}
}
