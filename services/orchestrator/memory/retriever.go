package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// Searcher is the archive surface retrieval needs. *Archive implements
// it; tests substitute fakes.
type Searcher interface {
	// QueryText embeds the text and returns up to k scored matches.
	QueryText(ctx context.Context, text string, k int, f Filter) ([]ScoredRecord, error)

	// Window returns the chronological records around one timestamp in
	// one node, clamped below maxTimestamp.
	Window(ctx context.Context, nodeID string, center, halfWidth, maxTimestamp float64) ([]datatypes.ArchiveRecordProps, error)
}

// RetrieverConfig tunes context retrieval.
type RetrieverConfig struct {
	// TopK is the hit budget: the number of ranked hits expanded to
	// context windows. The result may hold more records than TopK,
	// since every expanded hit contributes its whole window.
	// Default: 5
	TopK int

	// TopKPerSubQuery is the archive hit count requested per sub-query.
	// Default: 5
	TopKPerSubQuery int

	// WindowSeconds is the context window half-width around each hit.
	// Default: 60
	WindowSeconds float64
}

// DefaultRetrieverConfig returns the default retrieval configuration.
// Values can be overridden via environment variables:
//   - RETRIEVAL_TOP_K (default: 5)
//   - RETRIEVAL_TOP_K_PER_SUBQUERY (default: 5)
//   - RETRIEVAL_WINDOW_SECONDS (default: 60)
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		TopK:            getEnvInt("RETRIEVAL_TOP_K", 5),
		TopKPerSubQuery: getEnvInt("RETRIEVAL_TOP_K_PER_SUBQUERY", 5),
		WindowSeconds:   getEnvFloat("RETRIEVAL_WINDOW_SECONDS", 60),
	}
}

// Retriever pulls archived context back into a conversation.
//
// # Description
//
// Retrieval runs every sub-query against the archive concurrently,
// merges the hits by record id keeping each record's best score, and
// then walks the merged ranking best-first. Each hit is expanded to
// its same-node context window so an answer comes back with the turns
// that surrounded it, not as a lone fragment. The buffer cutoff keeps
// everything still in the node's live buffer out of the results.
//
// Cross-conversation memory is deliberate: hits are not filtered to the
// requesting node. Prompt assembly labels retrieved records as archived
// material, which is where isolation is enforced.
//
// # Thread Safety
//
// Retriever is safe for concurrent use.
type Retriever struct {
	archive Searcher

	mu     sync.RWMutex // guards config, swapped by Reconfigure
	config RetrieverConfig
}

// NewRetriever creates a Retriever over the given archive. Invalid
// config fields are reset to their defaults. Panics if archive is nil.
func NewRetriever(archive Searcher, config RetrieverConfig) *Retriever {
	if archive == nil {
		panic("memory: NewRetriever requires an archive")
	}
	return &Retriever{archive: archive, config: normalizeRetrieverConfig(config)}
}

// Reconfigure swaps the retrieval tunables. In-flight retrievals keep
// the config they started with; the next Retrieve call sees the new
// values. Invalid fields are reset to defaults, as in NewRetriever.
func (r *Retriever) Reconfigure(config RetrieverConfig) {
	config = normalizeRetrieverConfig(config)
	r.mu.Lock()
	r.config = config
	r.mu.Unlock()
	slog.Info("Retrieval config updated",
		"top_k", config.TopK,
		"top_k_per_subquery", config.TopKPerSubQuery,
		"window_seconds", config.WindowSeconds)
}

// Config returns the current retrieval tunables.
func (r *Retriever) Config() RetrieverConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

func normalizeRetrieverConfig(config RetrieverConfig) RetrieverConfig {
	if config.TopK <= 0 {
		slog.Warn("Invalid retrieval top-k, using default", "got", config.TopK, "default", 5)
		config.TopK = 5
	}
	if config.TopKPerSubQuery <= 0 {
		slog.Warn("Invalid retrieval per-sub-query top-k, using default", "got", config.TopKPerSubQuery, "default", 5)
		config.TopKPerSubQuery = 5
	}
	if config.WindowSeconds <= 0 {
		slog.Warn("Invalid retrieval window, using default", "got", config.WindowSeconds, "default", 60.0)
		config.WindowSeconds = 60
	}
	return config
}

// Retrieve returns archived records relevant to the sub-queries.
//
// # Description
//
// cutoff is the requesting node's oldest live-buffer timestamp; records
// at or above it never appear in the result. Pass +Inf (or 0) when the
// buffer is empty so no bound applies.
//
// The result is ordered best-scoring hit first, chronological within
// each hit's window, and deduplicated by record id. Window records that
// were not themselves hits carry score 0; callers must not re-sort.
//
// Failures are isolated: a failed sub-query contributes zero hits, a
// failed window fetch degrades to the bare hit, and an empty archive
// yields an empty result. Retrieve never returns an error.
func (r *Retriever) Retrieve(ctx context.Context, subQueries []string, cutoff float64) []ScoredRecord {
	ctx, span := tracer.Start(ctx, "Retrieve")
	defer span.End()

	if len(subQueries) == 0 {
		return nil
	}

	cfg := r.Config()

	// Phase 1: run the sub-queries against the archive in parallel.
	results := make([][]ScoredRecord, len(subQueries))

	g, gCtx := errgroup.WithContext(ctx)
	for i, q := range subQueries {
		i, q := i, q // Capture loop variables

		g.Go(func() error {
			hits, err := r.archive.QueryText(gCtx, q, cfg.TopKPerSubQuery, Filter{MaxTimestamp: cutoff})
			if err != nil {
				slog.Warn("Archive sub-query failed", "sub_query", q, "error", err)
				return nil // Never propagate errors - sub-query failures are isolated
			}
			results[i] = hits
			return nil
		})
	}
	_ = g.Wait()

	// Phase 2: merge hits by record id, keeping each record's best
	// score across sub-queries. Ties rank by timestamp, then record id,
	// so the ordering is stable run to run.
	merged := make(map[string]ScoredRecord)
	for _, hits := range results {
		for _, h := range hits {
			if cur, ok := merged[h.RecordID]; !ok || h.Score > cur.Score {
				merged[h.RecordID] = h
			}
		}
	}

	ranked := make([]ScoredRecord, 0, len(merged))
	for _, h := range merged {
		ranked = append(ranked, h)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Timestamp != ranked[j].Timestamp {
			return ranked[i].Timestamp < ranked[j].Timestamp
		}
		return ranked[i].RecordID < ranked[j].RecordID
	})

	// Phase 3: expand the TopK best hits to context windows. The budget
	// counts hits, not emitted records: a wide window on one hit must
	// not starve the hits ranked after it, so that widening the window
	// can only ever add records to the result.
	if len(ranked) > cfg.TopK {
		ranked = ranked[:cfg.TopK]
	}
	emitted := make(map[string]bool)
	out := make([]ScoredRecord, 0, len(ranked))
	for _, hit := range ranked {
		window, err := r.archive.Window(ctx, hit.NodeID, hit.Timestamp, cfg.WindowSeconds, cutoff)
		if err != nil {
			slog.Warn("Context window fetch failed, keeping bare hit",
				"record_id", hit.RecordID, "error", err)
			window = []datatypes.ArchiveRecordProps{hit.ArchiveRecordProps}
		}

		for _, rec := range window {
			if emitted[rec.RecordID] {
				continue
			}
			emitted[rec.RecordID] = true
			score := 0.0
			if m, ok := merged[rec.RecordID]; ok {
				score = m.Score
			}
			out = append(out, ScoredRecord{ArchiveRecordProps: rec, Score: score})
		}
	}

	slog.Debug("Retrieval complete",
		"sub_queries", len(subQueries), "hits", len(ranked), "records", len(out))
	return out
}
