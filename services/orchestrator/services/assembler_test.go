package services

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/memory"
)

type fakeDecomposer struct {
	subQueries []string
	calls      int
}

func (f *fakeDecomposer) Decompose(_ context.Context, query string) memory.Decomposition {
	f.calls++
	subs := f.subQueries
	if subs == nil {
		subs = []string{query}
	}
	return memory.Decomposition{Original: query, SubQueries: subs}
}

type fakeRetriever struct {
	records []memory.ScoredRecord

	gotSubQueries []string
	gotCutoff     float64
	calls         int
}

func (f *fakeRetriever) Retrieve(_ context.Context, subQueries []string, cutoff float64) []memory.ScoredRecord {
	f.calls++
	f.gotSubQueries = subQueries
	f.gotCutoff = cutoff
	return f.records
}

func scoredRecord(title, role, content string) memory.ScoredRecord {
	return memory.ScoredRecord{
		ArchiveRecordProps: datatypes.ArchiveRecordProps{
			NodeID:            "node-x",
			Role:              role,
			Content:           content,
			ConversationTitle: title,
		},
		Score: 0.9,
	}
}

func bufferedState(turns ...datatypes.Turn) conversation.ContextState {
	state := conversation.ContextState{Turns: turns, BufferEmpty: len(turns) == 0}
	if len(turns) > 0 {
		state.OldestTimestamp = turns[0].Timestamp
	}
	return state
}

func TestAssemble_FullOrder(t *testing.T) {
	retriever := &fakeRetriever{records: []memory.ScoredRecord{
		scoredRecord("Rust Basics", "user", "what is a borrow checker"),
		scoredRecord("Rust Basics", "assistant", "it enforces ownership at compile time"),
	}}
	a := NewAssembler(&fakeDecomposer{}, retriever)

	state := bufferedState(
		datatypes.Turn{Role: datatypes.RoleUser, Text: "earlier question", Timestamp: 100},
		datatypes.Turn{Role: datatypes.RoleAssistant, Text: "earlier answer", Timestamp: 101},
		datatypes.Turn{Role: datatypes.RoleUser, Text: "and lifetimes?", Timestamp: 102},
	)
	state.FollowUpPrompt = "Follow-up context: user selected \"ownership\" from the parent; focus narrowly on the selected text."
	state.Summary = "User is learning Rust."

	got := a.Assemble(context.Background(), state, "and lifetimes?", true)

	require.Len(t, got.Messages, 6)
	assert.Equal(t, datatypes.RoleSystem, got.Messages[0].Role)
	assert.Equal(t, state.FollowUpPrompt, got.Messages[0].Content)

	assert.Equal(t, datatypes.RoleSystem, got.Messages[1].Role)
	assert.Equal(t, summaryPrefix+"\nUser is learning Rust.", got.Messages[1].Content)

	assert.Equal(t, datatypes.RoleSystem, got.Messages[2].Role)
	assert.Equal(t, archiveContextLabel+
		"\n[Rust Basics] user: what is a borrow checker"+
		"\n[Rust Basics] assistant: it enforces ownership at compile time",
		got.Messages[2].Content)

	assert.Equal(t, datatypes.Message{Role: datatypes.RoleUser, Content: "earlier question"}, got.Messages[3])
	assert.Equal(t, datatypes.Message{Role: datatypes.RoleAssistant, Content: "earlier answer"}, got.Messages[4])
	assert.Equal(t, datatypes.Message{Role: datatypes.RoleUser, Content: "and lifetimes?"}, got.Messages[5],
		"the new user message is the final entry")

	assert.True(t, got.RetrievalRan)
	assert.Equal(t, 2, got.RetrievedCount)
}

func TestAssemble_OmitsAbsentParts(t *testing.T) {
	a := NewAssembler(nil, nil)

	state := bufferedState(
		datatypes.Turn{Role: datatypes.RoleUser, Text: "hello", Timestamp: 100},
	)

	got := a.Assemble(context.Background(), state, "hello", true)

	require.Equal(t, []datatypes.Message{{Role: datatypes.RoleUser, Content: "hello"}}, got.Messages)
	assert.False(t, got.RetrievalRan, "nil retriever disables retrieval")
	assert.Zero(t, got.RetrievedCount)
}

func TestAssemble_ZeroRecordsOmitsArchiveMessage(t *testing.T) {
	retriever := &fakeRetriever{}
	a := NewAssembler(nil, retriever)

	state := bufferedState(
		datatypes.Turn{Role: datatypes.RoleUser, Text: "hello", Timestamp: 100},
	)

	got := a.Assemble(context.Background(), state, "hello", true)

	require.Len(t, got.Messages, 1)
	assert.True(t, got.RetrievalRan, "retrieval ran even though it found nothing")
	assert.Zero(t, got.RetrievedCount)
}

func TestAssemble_RetrieveFlagSkipsRetriever(t *testing.T) {
	retriever := &fakeRetriever{records: []memory.ScoredRecord{scoredRecord("T", "user", "c")}}
	a := NewAssembler(nil, retriever)

	state := bufferedState(
		datatypes.Turn{Role: datatypes.RoleUser, Text: "hello", Timestamp: 100},
	)

	got := a.Assemble(context.Background(), state, "hello", false)

	assert.Equal(t, 0, retriever.calls)
	assert.False(t, got.RetrievalRan)
	require.Len(t, got.Messages, 1)
}

func TestAssemble_CutoffIsBufferOldestTimestamp(t *testing.T) {
	retriever := &fakeRetriever{}
	a := NewAssembler(nil, retriever)

	state := bufferedState(
		datatypes.Turn{Role: datatypes.RoleUser, Text: "old", Timestamp: 1700000000.5},
		datatypes.Turn{Role: datatypes.RoleUser, Text: "new", Timestamp: 1700000010.0},
	)

	a.Assemble(context.Background(), state, "new", true)

	assert.Equal(t, 1700000000.5, retriever.gotCutoff,
		"records still in the buffer must be excluded from retrieval")
}

func TestAssemble_EmptyBufferMeansUnboundedCutoff(t *testing.T) {
	retriever := &fakeRetriever{}
	a := NewAssembler(nil, retriever)

	a.Assemble(context.Background(), conversation.ContextState{BufferEmpty: true}, "hello", true)

	assert.True(t, math.IsInf(retriever.gotCutoff, 1))
}

func TestAssemble_DecomposerFeedsRetriever(t *testing.T) {
	dec := &fakeDecomposer{subQueries: []string{"sub one", "sub two", "sub three"}}
	retriever := &fakeRetriever{}
	a := NewAssembler(dec, retriever)

	a.Assemble(context.Background(), bufferedState(), "what about goroutine leaks?", true)

	assert.Equal(t, 1, dec.calls)
	assert.Equal(t, []string{"sub one", "sub two", "sub three"}, retriever.gotSubQueries)
}

func TestAssemble_NilDecomposerUsesRawQuery(t *testing.T) {
	retriever := &fakeRetriever{}
	a := NewAssembler(nil, retriever)

	a.Assemble(context.Background(), bufferedState(), "what about goroutine leaks?", true)

	assert.Equal(t, []string{"what about goroutine leaks?"}, retriever.gotSubQueries)
}

func TestRenderArchiveBlock_PreservesRetrieverOrder(t *testing.T) {
	records := []memory.ScoredRecord{
		scoredRecord("Third Chat", "assistant", "newest by score"),
		scoredRecord("First Chat", "user", "oldest by score"),
	}

	block := renderArchiveBlock(records)

	lines := strings.Split(block, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, archiveContextLabel, lines[0])
	assert.Equal(t, "[Third Chat] assistant: newest by score", lines[1])
	assert.Equal(t, "[First Chat] user: oldest by score", lines[2])
}
