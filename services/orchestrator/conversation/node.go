package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// Node is one conversation in the tree: a root chat or a subchat spawned
// from a selection in its parent.
//
// # Description
//
// A node owns its buffer and rolling summary outright. Child nodes start
// empty: the only channels through which parent content reaches a child are
// the follow-up record captured at creation time and archive retrieval at
// prompt-assembly time. Siblings never see each other's buffers.
//
// # Thread Safety
//
// All exported methods lock the node's mutex (except reads of fields that
// are immutable after creation). The mutex is held only for in-memory
// state; it is never held across an LM or archive call. Whole turns are
// serialized separately through BeginTurn/EndTurn.
type Node struct {
	// ID is the node's UUID, fixed at creation.
	ID string

	// ParentID is empty for roots.
	ParentID string

	// FollowUp records what the user selected in the parent when this
	// subchat was created. Nil for roots and plain children. Immutable.
	FollowUp *datatypes.FollowUpRecord

	// CreatedAt is the wall-clock creation time.
	CreatedAt time.Time

	mu               sync.Mutex
	title            string
	children         []string
	buffer           *Buffer
	lastSummarizedAt int

	// turnGate serializes whole turns on this node. Unlike mu it is held
	// across LM calls; mu only guards the in-memory state.
	turnGate *semaphore.Weighted
}

func newNode(id, title, parentID string, followUp *datatypes.FollowUpRecord, maxTurns int) *Node {
	if title == "" {
		title = datatypes.DefaultNodeTitle
	}
	return &Node{
		ID:        id,
		ParentID:  parentID,
		FollowUp:  followUp,
		CreatedAt: time.Now().UTC(),
		title:     title,
		buffer:    NewBuffer(id, maxTurns),
		turnGate:  semaphore.NewWeighted(1),
	}
}

// BeginTurn claims the node for one full turn: the caller's user append,
// LM call and assistant append run before any other turn starts on this
// node. Blocks until the node is free or ctx is done.
func (n *Node) BeginTurn(ctx context.Context) error {
	return n.turnGate.Acquire(ctx, 1)
}

// EndTurn releases the claim taken by BeginTurn.
func (n *Node) EndTurn() {
	n.turnGate.Release(1)
}

// Append stores a turn in the node's buffer under the node lock and returns
// the stamped turn plus any evicted one. See Buffer.Append for validation.
func (n *Node) Append(role, text string) (datatypes.Turn, *datatypes.Turn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buffer.Append(role, text)
}

// Title returns the node's current title.
func (n *Node) Title() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.title
}

// SetTitle renames the node.
func (n *Node) SetTitle(title string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.title = title
}

// SetTitleIfDefault renames the node only while it still carries the
// placeholder title. Returns true when the rename happened. Concurrent
// turns may race to auto-title a node; exactly one wins and the title never
// changes again.
func (n *Node) SetTitleIfDefault(title string) bool {
	if title == "" {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.title != datatypes.DefaultNodeTitle {
		return false
	}
	n.title = title
	return true
}

// NeedsTitle reports whether the node still carries the placeholder title.
func (n *Node) NeedsTitle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.title == datatypes.DefaultNodeTitle
}

// Children returns a copy of the ordered child id list.
func (n *Node) Children() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Node) addChild(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = append(n.children, id)
}

func (n *Node) removeChild(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, c := range n.children {
		if c == id {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
	}
}

// EnhancedFollowUpPrompt composes the single system line that carries
// parent context into this subchat. It returns "" unless the node was
// created with context_type "follow_up" and a selection; new_topic and
// general subchats get no parent framing at all.
//
// This is the only path by which parent semantics reach a child's prompt.
func (n *Node) EnhancedFollowUpPrompt() string {
	fu := n.FollowUp
	if fu == nil || fu.ContextType != datatypes.ContextTypeFollowUp {
		return ""
	}
	if fu.SelectedText == "" {
		return ""
	}
	focus := fu.FollowUpContext
	if focus == "" {
		focus = "the selected text"
	}
	return fmt.Sprintf("Follow-up context: user selected %q from the parent; focus narrowly on %s.", fu.SelectedText, focus)
}

// PathTitles returns titles from the root down to this node. Used by
// clients for breadcrumbs; never used in prompt assembly.
func (n *Node) PathTitles(f *Forest) []string {
	var rev []string
	cur := n
	for cur != nil {
		rev = append(rev, cur.Title())
		if cur.ParentID == "" || len(rev) > 1024 {
			break
		}
		parent, err := f.Get(cur.ParentID)
		if err != nil {
			break
		}
		cur = parent
	}
	out := make([]string, len(rev))
	for i, t := range rev {
		out[len(rev)-1-i] = t
	}
	return out
}

// ContextState is a consistent point-in-time read of everything prompt
// assembly and retrieval need from a node.
type ContextState struct {
	// FollowUpPrompt is the enhanced follow-up system line, "" when absent.
	FollowUpPrompt string

	// Summary is the rolling summary, "" until the summarizer first runs.
	Summary string

	// Turns is the buffered conversation tail in chronological order.
	Turns []datatypes.Turn

	// OldestTimestamp is the archive cutoff: records stamped at or after it
	// still live in the buffer and must not be retrieved. Valid only when
	// BufferEmpty is false; an empty buffer means no cutoff applies.
	OldestTimestamp float64

	// BufferEmpty is true when Turns is empty.
	BufferEmpty bool
}

// ContextState captures the node's prompt inputs under one lock hold, so a
// concurrent append cannot interleave between reading the summary and
// reading the turns.
func (n *Node) ContextState() ContextState {
	n.mu.Lock()
	defer n.mu.Unlock()
	oldest, ok := n.buffer.OldestTimestamp()
	return ContextState{
		FollowUpPrompt:  n.EnhancedFollowUpPrompt(),
		Summary:         n.buffer.Summary(),
		Turns:           n.buffer.Recent(0),
		OldestTimestamp: oldest,
		BufferEmpty:     !ok,
	}
}

// ReplaceSummary overwrites the node's rolling summary under the node lock.
func (n *Node) ReplaceSummary(s string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buffer.ReplaceSummary(s)
}

// takeSummaryCycle atomically evaluates the summarization cadence and, when
// due, consumes the cycle and returns its prompt inputs.
//
// Consuming means lastSummarizedAt advances immediately, before the LM call
// is attempted, so a failed call skips the cycle instead of retrying on
// every later append.
func (n *Node) takeSummaryCycle(startThreshold, interval, take int) (summaryCycle, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	processed := n.buffer.MessagesProcessed()
	if processed < startThreshold {
		return summaryCycle{}, false
	}
	if (processed-startThreshold)%interval != 0 {
		return summaryCycle{}, false
	}
	if n.lastSummarizedAt != 0 && processed-n.lastSummarizedAt < interval {
		return summaryCycle{}, false
	}
	if n.buffer.Len() < take {
		return summaryCycle{}, false
	}

	n.lastSummarizedAt = processed
	turns := n.buffer.Oldest(take)
	first := processed - n.buffer.Len() + 1
	return summaryCycle{
		Turns:    turns,
		Prior:    n.buffer.Summary(),
		FirstMsg: first,
		LastMsg:  first + len(turns) - 1,
	}, true
}

// NodeInfo is a read-only snapshot of node metadata for API responses.
type NodeInfo struct {
	ID                string
	Title             string
	ParentID          string
	Children          []string
	CreatedAt         time.Time
	MessagesProcessed int
	BufferLen         int
	HasSummary        bool
	FollowUp          *datatypes.FollowUpRecord
}

// Info snapshots the node's metadata under the node lock.
func (n *Node) Info() NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	children := make([]string, len(n.children))
	copy(children, n.children)
	return NodeInfo{
		ID:                n.ID,
		Title:             n.title,
		ParentID:          n.ParentID,
		Children:          children,
		CreatedAt:         n.CreatedAt,
		MessagesProcessed: n.buffer.MessagesProcessed(),
		BufferLen:         n.buffer.Len(),
		HasSummary:        n.buffer.Summary() != "",
		FollowUp:          n.FollowUp,
	}
}

// History returns the title, rolling summary and buffered turns in
// chronological order.
func (n *Node) History() (title, summary string, turns []datatypes.Turn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.title, n.buffer.Summary(), n.buffer.Recent(0)
}

// OldestTimestamp exposes the buffer cutoff; the bool is false when the
// buffer is empty.
func (n *Node) OldestTimestamp() (float64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buffer.OldestTimestamp()
}

// MessagesProcessed returns the node's lifetime turn count.
func (n *Node) MessagesProcessed() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.buffer.MessagesProcessed()
}
