package conversation

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// ErrNodeNotFound is returned for lookups of unknown or deleted node ids.
// A deleted id is never observable again.
var ErrNodeNotFound = errors.New("node not found")

// Forest is the process-wide registry of conversation nodes.
//
// # Description
//
// The forest owns every node: roots and the subchat trees hanging off
// them. It resolves ids, tracks the ordered list of roots, keeps the
// active-node handle for clients without their own session state, and
// cascades deletes through subtrees. Archive records are never touched on
// delete; long-term memory outlives node death.
//
// # Thread Safety
//
// Safe for concurrent use. Registry reads take an RLock; create and delete
// take a short write lock. Per-node state is guarded by each node's own
// mutex, never by the registry lock, so a slow turn on one node cannot
// block lookups on another.
type Forest struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	roots    []string
	activeID string
	maxTurns int
}

// NewForest creates an empty registry whose nodes get buffers of the given
// capacity. Non-positive maxTurns falls back to DefaultMaxTurns.
func NewForest(maxTurns int) *Forest {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	return &Forest{
		nodes:    make(map[string]*Node),
		maxTurns: maxTurns,
	}
}

// CreateRoot creates a new root conversation and makes it the active node.
func (f *Forest) CreateRoot(title string) *Node {
	node := newNode(uuid.New().String(), title, "", nil, f.maxTurns)

	f.mu.Lock()
	f.nodes[node.ID] = node
	f.roots = append(f.roots, node.ID)
	f.activeID = node.ID
	f.mu.Unlock()

	slog.Info("Created root conversation", "nodeID", node.ID, "title", node.Title())
	return node
}

// CreateChild creates a subchat under parentID and makes it the active
// node. The child starts with an empty buffer and empty summary: parent
// content reaches it only through the follow-up record and, later, archive
// retrieval.
func (f *Forest) CreateChild(parentID, title string, followUp *datatypes.FollowUpRecord) (*Node, error) {
	f.mu.Lock()
	parent, ok := f.nodes[parentID]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: parent %s", ErrNodeNotFound, parentID)
	}
	node := newNode(uuid.New().String(), title, parentID, followUp, f.maxTurns)
	f.nodes[node.ID] = node
	f.activeID = node.ID
	f.mu.Unlock()

	// Parent's child list is guarded by the parent's own mutex; taking it
	// after the registry lock is released keeps lock ordering trivial.
	parent.addChild(node.ID)

	contextType := ""
	if followUp != nil {
		contextType = followUp.ContextType
	}
	slog.Info("Created subchat", "nodeID", node.ID, "parentID", parentID,
		"title", node.Title(), "contextType", contextType)
	return node, nil
}

// Get resolves a node id. Returns ErrNodeNotFound for unknown or deleted ids.
func (f *Forest) Get(id string) (*Node, error) {
	f.mu.RLock()
	node, ok := f.nodes[id]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return node, nil
}

// SetActive switches the active-node handle.
func (f *Forest) SetActive(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	f.activeID = id
	return nil
}

// Active returns the active node. The bool is false when the forest is
// empty or the active node was deleted with nothing left to fall back to.
func (f *Forest) Active() (*Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	node, ok := f.nodes[f.activeID]
	return node, ok
}

// Delete removes the node and its whole subtree depth-first and returns the
// deleted ids (the requested node first). When the active node goes down
// with the subtree, the most recently created remaining root takes over, or
// the handle clears if none remain. Archive records are left intact.
func (f *Forest) Delete(id string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	node, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	deleted := f.collectSubtreeLocked(id)
	for _, did := range deleted {
		delete(f.nodes, did)
	}

	if node.ParentID == "" {
		for i, rid := range f.roots {
			if rid == id {
				f.roots = append(f.roots[:i], f.roots[i+1:]...)
				break
			}
		}
	} else if parent, ok := f.nodes[node.ParentID]; ok {
		parent.removeChild(id)
	}

	if _, ok := f.nodes[f.activeID]; !ok {
		f.activeID = ""
		if len(f.roots) > 0 {
			f.activeID = f.roots[len(f.roots)-1]
		}
	}

	slog.Info("Deleted conversation subtree", "nodeID", id, "nodesRemoved", len(deleted))
	return deleted, nil
}

// collectSubtreeLocked returns id and every descendant id, preorder
// depth-first. Caller holds the registry write lock.
func (f *Forest) collectSubtreeLocked(id string) []string {
	node, ok := f.nodes[id]
	if !ok {
		return nil
	}
	out := []string{id}
	for _, childID := range node.Children() {
		out = append(out, f.collectSubtreeLocked(childID)...)
	}
	return out
}

// List returns every node, roots first by creation time, then children of
// each root preorder. Stable across calls so list endpoints paginate sanely.
func (f *Forest) List() []*Node {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var out []*Node
	for _, rootID := range f.roots {
		for _, id := range f.collectSubtreeLocked(rootID) {
			if n, ok := f.nodes[id]; ok {
				out = append(out, n)
			}
		}
	}
	return out
}

// Subtree returns the node and all descendants, preorder depth-first.
func (f *Forest) Subtree(id string) ([]*Node, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, ok := f.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	ids := f.collectSubtreeLocked(id)
	out := make([]*Node, 0, len(ids))
	for _, nid := range ids {
		if n, ok := f.nodes[nid]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

// Roots returns the root ids in creation order.
func (f *Forest) Roots() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.roots))
	copy(out, f.roots)
	return out
}

// Len returns the total node count.
func (f *Forest) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.nodes)
}

// MaxTurns returns the buffer capacity new nodes are created with.
func (f *Forest) MaxTurns() int { return f.maxTurns }

// restore rebuilds registry state from a snapshot. Only the snapshot
// loader calls this, before the forest is shared; it sorts roots by node
// creation time to recover the original ordering.
func (f *Forest) restore(nodes map[string]*Node, activeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nodes = nodes
	f.roots = f.roots[:0]
	for id, n := range nodes {
		if n.ParentID == "" {
			f.roots = append(f.roots, id)
		}
	}
	sort.Slice(f.roots, func(i, j int) bool {
		a, b := nodes[f.roots[i]], nodes[f.roots[j]]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return f.roots[i] < f.roots[j]
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	f.activeID = ""
	if _, ok := nodes[activeID]; ok {
		f.activeID = activeID
	} else if len(f.roots) > 0 {
		f.activeID = f.roots[len(f.roots)-1]
	}
}
