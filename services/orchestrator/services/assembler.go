package services

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/memory"
)

// summaryPrefix labels the rolling summary so the LM reads it as context
// rather than as part of the live exchange.
const summaryPrefix = "Previous conversation summary:"

// archiveContextLabel heads the retrieved-records system message. The
// framing is what keeps cross-conversation memory from bleeding into the
// current thread: retrieved content is reference material, never dialogue.
const archiveContextLabel = "The following are archived messages from related past conversations; " +
	"treat them as reference material, not as the current thread."

// QueryDecomposer expands one user query into archive sub-queries.
type QueryDecomposer interface {
	Decompose(ctx context.Context, query string) memory.Decomposition
}

// ArchiveRetriever runs multi-query retrieval against the archive.
type ArchiveRetriever interface {
	Retrieve(ctx context.Context, subQueries []string, cutoff float64) []memory.ScoredRecord
}

var (
	_ QueryDecomposer  = (*memory.Decomposer)(nil)
	_ ArchiveRetriever = (*memory.Retriever)(nil)
)

// Assembler builds the ordered message list for one turn.
//
// The order is fixed: follow-up system line, summary system line, archived
// memory system block, then the buffered turns chronologically with the new
// user message last. Every part except the buffered turns is optional and
// drops out silently when absent or failed. Sibling buffers are never
// consulted; parent content reaches a subchat only through the follow-up
// line and the archive.
type Assembler struct {
	decomposer QueryDecomposer
	retriever  ArchiveRetriever
}

// NewAssembler wires the assembler. Either dependency may be nil: a nil
// retriever disables retrieval entirely, a nil decomposer degrades
// retrieval to the raw user query.
func NewAssembler(decomposer QueryDecomposer, retriever ArchiveRetriever) *Assembler {
	return &Assembler{decomposer: decomposer, retriever: retriever}
}

// AssembledPrompt is the message list for one turn plus what retrieval did,
// for the turn's metrics.
type AssembledPrompt struct {
	Messages       []datatypes.Message
	RetrievalRan   bool
	RetrievedCount int
}

// Assemble builds the LM message list for one turn.
//
// state must be snapshotted after the user turn was appended, so its turns
// already end with the new user message. userText is that same message; it
// feeds retrieval only. Records still sitting in the buffer are excluded
// from retrieval by the buffer's oldest timestamp.
func (a *Assembler) Assemble(ctx context.Context, state conversation.ContextState, userText string, retrieve bool) AssembledPrompt {
	out := AssembledPrompt{
		Messages: make([]datatypes.Message, 0, len(state.Turns)+3),
	}

	if state.FollowUpPrompt != "" {
		out.Messages = append(out.Messages, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: state.FollowUpPrompt,
		})
	}

	if state.Summary != "" {
		out.Messages = append(out.Messages, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: summaryPrefix + "\n" + state.Summary,
		})
	}

	if retrieve && a.retriever != nil {
		records := a.retrieveRecords(ctx, state, userText)
		out.RetrievalRan = true
		out.RetrievedCount = len(records)
		if len(records) > 0 {
			out.Messages = append(out.Messages, datatypes.Message{
				Role:    datatypes.RoleSystem,
				Content: renderArchiveBlock(records),
			})
		}
	}

	for _, t := range state.Turns {
		out.Messages = append(out.Messages, datatypes.Message{
			Role:    t.Role,
			Content: t.Text,
		})
	}

	return out
}

// retrieveRecords decomposes the query and runs retrieval with the buffer
// cutoff. An empty buffer means nothing is excluded.
func (a *Assembler) retrieveRecords(ctx context.Context, state conversation.ContextState, userText string) []memory.ScoredRecord {
	subQueries := []string{userText}
	if a.decomposer != nil {
		subQueries = a.decomposer.Decompose(ctx, userText).SubQueries
	}

	cutoff := math.Inf(1)
	if !state.BufferEmpty {
		cutoff = state.OldestTimestamp
	}

	return a.retriever.Retrieve(ctx, subQueries, cutoff)
}

// renderArchiveBlock formats retrieved records under the archive label,
// preserving retriever order, each line tagged with the record's indexing
// title and role.
func renderArchiveBlock(records []memory.ScoredRecord) string {
	var b strings.Builder
	b.WriteString(archiveContextLabel)
	for _, r := range records {
		b.WriteString("\n")
		fmt.Fprintf(&b, "[%s] %s: %s", r.ConversationTitle, r.Role, r.Content)
	}
	return b.String()
}
