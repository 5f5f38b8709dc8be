package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// summaryChunk is the number of oldest buffered turns consumed per
// summarization cycle.
const summaryChunk = 5

// GenerateFunc abstracts single-prompt LM completion so the summarizer (and
// tests) never depend on a concrete client. Production wires this to the
// LM pool's Generate with a low temperature.
type GenerateFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

// SummarizerConfig controls the rolling-summary cadence.
type SummarizerConfig struct {
	// StartThreshold is the messagesProcessed count at which the first
	// summarization fires.
	StartThreshold int

	// Interval is the messagesProcessed spacing between cycles after the
	// threshold: cycles fire at threshold, threshold+interval, ...
	Interval int

	// MaxTokens bounds the generated summary length.
	MaxTokens int
}

// DefaultSummarizerConfig returns the stock cadence, overridable through
// SUMMARIZATION_START_THRESHOLD and SUMMARIZATION_INTERVAL.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		StartThreshold: getEnvInt("SUMMARIZATION_START_THRESHOLD", 15),
		Interval:       getEnvInt("SUMMARIZATION_INTERVAL", 5),
		MaxTokens:      500,
	}
}

// Summarizer maintains each node's rolling summary.
//
// # Description
//
// The summarizer watches a node's lifetime turn count and, on cadence,
// compresses the oldest five buffered turns into the node's running
// summary. The consumed turns stay in the buffer (capacity eviction removes
// them later); the summary supplements the buffer rather than replacing it.
// When a prior summary exists the LM is asked to merge rather than start
// over, so the summary rolls forward across the whole conversation.
//
// A cycle fires when messagesProcessed has reached StartThreshold, sits on
// an Interval boundary past it, and at least Interval turns landed since
// the last cycle. The cadence counter advances even when the LM call fails,
// so a broken cycle is skipped rather than retried on every subsequent
// append.
//
// # Thread Safety
//
// Safe for concurrent use. Node state is read and replaced under the node's
// own mutex; the mutex is never held across the LM call.
type Summarizer struct {
	generate GenerateFunc

	mu  sync.RWMutex // guards cfg, swapped by Reconfigure
	cfg SummarizerConfig
}

// NewSummarizer builds a summarizer. Non-positive config fields are clamped
// to their defaults with a warning; generate must be non-nil.
func NewSummarizer(generate GenerateFunc, cfg SummarizerConfig) *Summarizer {
	if generate == nil {
		panic("conversation: NewSummarizer requires a generate function")
	}
	return &Summarizer{cfg: normalizeSummarizerConfig(cfg), generate: generate}
}

// Reconfigure swaps the cadence. An in-flight cycle keeps the cadence it
// fired under; the next MaybeSummarize call sees the new values. Clamping
// matches NewSummarizer.
func (s *Summarizer) Reconfigure(cfg SummarizerConfig) {
	cfg = normalizeSummarizerConfig(cfg)
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	slog.Info("Summarization config updated",
		"start_threshold", cfg.StartThreshold,
		"interval", cfg.Interval,
		"max_tokens", cfg.MaxTokens)
}

// Config returns the effective cadence after clamping.
func (s *Summarizer) Config() SummarizerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func normalizeSummarizerConfig(cfg SummarizerConfig) SummarizerConfig {
	if cfg.StartThreshold < 1 {
		slog.Warn("Invalid summarization start threshold, using default",
			"got", cfg.StartThreshold, "default", 15)
		cfg.StartThreshold = 15
	}
	if cfg.Interval < 1 {
		slog.Warn("Invalid summarization interval, using default",
			"got", cfg.Interval, "default", 5)
		cfg.Interval = 5
	}
	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = 500
	}
	return cfg
}

// MaybeSummarize runs one summarization cycle if the node's cadence is due.
//
// # Description
//
// Call after every buffer append; the cadence check is cheap and almost
// always declines. When due, the node's oldest buffered turns and current
// summary are snapshotted under the node lock, the lock is released, the LM
// produces the new (or merged) summary, and the result is swapped in under
// the lock again. An LM failure leaves the existing summary untouched and
// never propagates to the caller: a stale summary only degrades prompt
// quality, it does not corrupt the conversation.
//
// # Outputs
//
//   - bool: true when a cycle was due and consumed, whether or not the LM
//     call succeeded.
func (s *Summarizer) MaybeSummarize(ctx context.Context, n *Node) bool {
	cfg := s.Config()

	cycle, ok := n.takeSummaryCycle(cfg.StartThreshold, cfg.Interval, summaryChunk)
	if !ok {
		return false
	}

	prompt := buildSummaryPrompt(cycle, cfg.MaxTokens)
	summary, err := s.generate(ctx, prompt, cfg.MaxTokens)
	if err != nil {
		slog.Warn("Summarization call failed, keeping previous summary",
			"nodeID", n.ID, "messages", fmt.Sprintf("%d-%d", cycle.FirstMsg, cycle.LastMsg),
			"error", err)
		return true
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		slog.Warn("Summarization returned empty text, keeping previous summary",
			"nodeID", n.ID)
		return true
	}

	n.ReplaceSummary(summary)
	slog.Debug("Rolling summary updated",
		"nodeID", n.ID,
		"messages", fmt.Sprintf("%d-%d", cycle.FirstMsg, cycle.LastMsg),
		"summaryChars", len(summary))
	return true
}

// summaryCycle is the point-in-time input for one summarization prompt.
type summaryCycle struct {
	// Turns are the oldest buffered turns, chronological.
	Turns []datatypes.Turn

	// Prior is the existing summary, "" on the first cycle.
	Prior string

	// FirstMsg/LastMsg are 1-based lifetime message numbers of the turns
	// being folded in, shown to the LM for continuity.
	FirstMsg int
	LastMsg  int
}

// buildSummaryPrompt renders the cycle into the LM prompt. With a prior
// summary the LM merges; otherwise it summarizes from scratch.
func buildSummaryPrompt(c summaryCycle, maxTokens int) string {
	var transcript strings.Builder
	for i, t := range c.Turns {
		if i > 0 {
			transcript.WriteByte('\n')
		}
		transcript.WriteString(strings.ToUpper(t.Role))
		transcript.WriteString(": ")
		transcript.WriteString(t.Text)
	}

	if c.Prior != "" {
		return fmt.Sprintf(`You are maintaining a rolling summary of a conversation.

PREVIOUS SUMMARY:
%s

NEW MESSAGES TO ADD (messages %d-%d):
%s

Create an updated summary that:
1. Includes key information from the previous summary
2. Adds important details from the new messages (main topics, user info, preferences, facts)
3. Removes redundant or less important information
4. Stays concise (under %d tokens)

Updated summary:`, c.Prior, c.FirstMsg, c.LastMsg, transcript.String(), maxTokens)
	}

	return fmt.Sprintf(`Summarize the following conversation messages concisely.
Focus on: main topics discussed, user information/preferences, key facts, important decisions.
Keep under %d tokens.

MESSAGES (messages %d-%d):
%s

Summary:`, maxTokens, c.FirstMsg, c.LastMsg, transcript.String())
}

// getEnvInt returns an environment variable as int, or defaultVal if not
// set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
