// Package conversation implements the hierarchical conversation model:
// per-node bounded message buffers, rolling summarization, the tree node
// itself, and the forest registry that owns every node.
//
// # Architecture
//
// Each node owns a fixed-capacity Buffer holding the live tail of its
// conversation. Older turns fall out of the buffer FIFO and survive only in
// the vector archive and in the node's rolling summary. The Forest is the
// process-wide registry of nodes; it resolves ids, tracks the active node,
// and cascades deletes through subtrees.
//
// # Thread Safety
//
// Buffer is NOT internally locked. Every buffer is owned by exactly one
// Node, and the node's mutex serializes all access. The Forest registry is
// guarded separately by its own RWMutex.
package conversation

import (
	"fmt"
	"strings"
	"time"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// DefaultMaxTurns is the buffer capacity used when none is configured.
// Matches BUFFER_MAX_TURNS default.
const DefaultMaxTurns = 15

// timestampStep is the minimum gap enforced between consecutive turn
// timestamps within one buffer. Wall-clock reads can tie (or step backwards
// under NTP adjustment); bumping by 1ms keeps timestamps strictly
// increasing so archive cutoff comparisons stay unambiguous.
const timestampStep = 0.001

// Buffer holds the live, in-order tail of a node's conversation.
//
// # Description
//
// Buffer is a fixed-capacity FIFO of turns. Appending at capacity evicts
// the oldest turn and returns it so the caller can decide what to do with
// it (the archive already holds a copy; eviction is not a data loss event).
// The buffer also carries the node's rolling summary because the two are
// read and replaced together under the same lock.
//
// Timestamps are float64 Unix seconds, strictly increasing within a buffer.
//
// # Thread Safety
//
// Not safe for concurrent use. The owning node's mutex serializes access.
type Buffer struct {
	nodeID    string
	maxTurns  int
	turns     []datatypes.Turn
	summary   string
	processed int
	lastStamp float64
}

// NewBuffer creates an empty buffer for the given node.
// A non-positive maxTurns falls back to DefaultMaxTurns.
func NewBuffer(nodeID string, maxTurns int) *Buffer {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &Buffer{
		nodeID:   nodeID,
		maxTurns: maxTurns,
		turns:    make([]datatypes.Turn, 0, maxTurns),
	}
}

// Append stamps and stores a new turn, evicting the oldest one when the
// buffer is at capacity.
//
// # Inputs
//
//   - role: one of "user", "assistant", "system".
//   - text: the message body. Must contain at least one non-space rune.
//
// # Outputs
//
//   - datatypes.Turn: the stored turn, with node id and timestamp filled in.
//   - *datatypes.Turn: the evicted turn, nil when the buffer had room.
//   - error: non-nil only for an invalid role or empty text. Eviction is
//     never an error and capacity never blocks an append.
func (b *Buffer) Append(role, text string) (datatypes.Turn, *datatypes.Turn, error) {
	if !datatypes.ValidRole(role) {
		return datatypes.Turn{}, nil, fmt.Errorf("invalid role %q: want user, assistant, or system", role)
	}
	if strings.TrimSpace(text) == "" {
		return datatypes.Turn{}, nil, fmt.Errorf("empty message text")
	}

	ts := float64(time.Now().UnixNano()) / 1e9
	if ts <= b.lastStamp {
		ts = b.lastStamp + timestampStep
	}
	b.lastStamp = ts

	turn := datatypes.Turn{
		Role:      role,
		Text:      text,
		Timestamp: ts,
		NodeID:    b.nodeID,
	}

	var evicted *datatypes.Turn
	if len(b.turns) == b.maxTurns {
		oldest := b.turns[0]
		evicted = &oldest
		copy(b.turns, b.turns[1:])
		b.turns = b.turns[:len(b.turns)-1]
	}
	b.turns = append(b.turns, turn)
	b.processed++

	return turn, evicted, nil
}

// Recent returns the last n turns in chronological order. A non-positive n
// returns every turn. The returned slice is a copy.
func (b *Buffer) Recent(n int) []datatypes.Turn {
	if n <= 0 || n > len(b.turns) {
		n = len(b.turns)
	}
	out := make([]datatypes.Turn, n)
	copy(out, b.turns[len(b.turns)-n:])
	return out
}

// Oldest returns the first n turns in chronological order, fewer when the
// buffer holds fewer. The returned slice is a copy.
func (b *Buffer) Oldest(n int) []datatypes.Turn {
	if n <= 0 {
		return nil
	}
	if n > len(b.turns) {
		n = len(b.turns)
	}
	out := make([]datatypes.Turn, n)
	copy(out, b.turns[:n])
	return out
}

// OldestTimestamp returns the timestamp of the oldest buffered turn.
// The second return is false when the buffer is empty; callers treat an
// empty buffer as "no cutoff" (+infinity) when filtering the archive.
func (b *Buffer) OldestTimestamp() (float64, bool) {
	if len(b.turns) == 0 {
		return 0, false
	}
	return b.turns[0].Timestamp, true
}

// Summary returns the node's rolling summary, empty until the summarizer
// first runs.
func (b *Buffer) Summary() string { return b.summary }

// ReplaceSummary overwrites the rolling summary. The summarizer is the only
// production caller.
func (b *Buffer) ReplaceSummary(s string) { b.summary = s }

// MessagesProcessed returns the lifetime append count, including turns that
// have since been evicted.
func (b *Buffer) MessagesProcessed() int { return b.processed }

// Len returns the number of turns currently buffered.
func (b *Buffer) Len() int { return len(b.turns) }

// MaxTurns returns the buffer capacity.
func (b *Buffer) MaxTurns() int { return b.maxTurns }

// NodeID returns the id of the node that owns this buffer.
func (b *Buffer) NodeID() string { return b.nodeID }

// restore rebuilds buffer state from a snapshot. Only the snapshot loader
// calls this; it trusts the stored turns to already be in order.
func (b *Buffer) restore(turns []datatypes.Turn, summary string, processed int, lastStamp float64) {
	if len(turns) > b.maxTurns {
		turns = turns[len(turns)-b.maxTurns:]
	}
	b.turns = append(b.turns[:0], turns...)
	b.summary = summary
	b.processed = processed
	b.lastStamp = lastStamp
	for _, t := range b.turns {
		if t.Timestamp > b.lastStamp {
			b.lastStamp = t.Timestamp
		}
	}
}
