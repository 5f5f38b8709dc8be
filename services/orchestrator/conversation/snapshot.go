package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

const (
	snapshotNodePrefix = "node:"
	snapshotActiveKey  = "meta:active"
)

// SnapshotStore persists the forest across restarts in an embedded
// BadgerDB. Buffers, summaries, titles and tree structure all survive;
// archive records live in weaviate and are not duplicated here.
//
// The store is optional (SNAPSHOT_ENABLED). Without it the forest is
// memory-only and a restart starts from an empty registry, with long-term
// memory still reachable through the archive.
type SnapshotStore struct {
	db   *badger.DB
	path string
}

// OpenSnapshotStore opens (creating if needed) the snapshot database at
// path. An empty path opens an in-memory store, used by tests.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create snapshot directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	// Badger's own logging is noisy at startup; forest snapshots are small
	// and slog covers the interesting events.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return &SnapshotStore{db: db, path: path}, nil
}

// Close releases the underlying database.
func (s *SnapshotStore) Close() error { return s.db.Close() }

// Path returns the store directory, "" for in-memory stores.
func (s *SnapshotStore) Path() string { return s.path }

// Save writes the complete forest state, replacing any previous snapshot.
func (s *SnapshotStore) Save(f *Forest) error {
	nodes := f.List()
	activeID := ""
	if active, ok := f.Active(); ok {
		activeID = active.ID
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		// Step 1: drop stale node entries so deleted nodes never resurrect.
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(snapshotNodePrefix)})
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("delete stale snapshot key: %w", err)
			}
		}

		// Step 2: write the live nodes.
		for _, n := range nodes {
			snap := n.snapshot()
			data, err := json.Marshal(snap)
			if err != nil {
				return fmt.Errorf("encode node %s: %w", snap.ID, err)
			}
			if err := txn.Set([]byte(snapshotNodePrefix+snap.ID), data); err != nil {
				return fmt.Errorf("write node %s: %w", snap.ID, err)
			}
		}

		// Step 3: record the active handle.
		return txn.Set([]byte(snapshotActiveKey), []byte(activeID))
	})
	if err != nil {
		return err
	}

	slog.Info("Saved forest snapshot", "nodes", len(nodes), "path", s.path)
	return nil
}

// Load rebuilds the forest from the last snapshot. Returns the number of
// nodes restored; zero with a nil error means no snapshot existed. Load
// must run before the forest is shared with other goroutines.
func (s *SnapshotStore) Load(f *Forest) (int, error) {
	nodes := make(map[string]*Node)
	activeID := ""

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         []byte(snapshotNodePrefix),
			PrefetchValues: true,
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var snap nodeSnapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return fmt.Errorf("decode snapshot %s: %w", it.Item().Key(), err)
			}
			nodes[snap.ID] = nodeFromSnapshot(snap, f.MaxTurns())
		}

		item, err := txn.Get([]byte(snapshotActiveKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			activeID = string(val)
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if len(nodes) == 0 {
		return 0, nil
	}

	// Children lists can reference nodes dropped from an older snapshot;
	// prune them so traversal never dangles.
	for _, n := range nodes {
		kept := n.children[:0]
		for _, cid := range n.children {
			if _, ok := nodes[cid]; ok {
				kept = append(kept, cid)
			}
		}
		n.children = kept
	}

	f.restore(nodes, activeID)
	slog.Info("Restored forest snapshot", "nodes", len(nodes), "path", s.path)
	return len(nodes), nil
}

// nodeSnapshot is the wire form of one node in the snapshot store.
type nodeSnapshot struct {
	ID               string                    `json:"id"`
	ParentID         string                    `json:"parent_id,omitempty"`
	Title            string                    `json:"title"`
	Children         []string                  `json:"children,omitempty"`
	FollowUp         *datatypes.FollowUpRecord `json:"follow_up,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	Turns            []datatypes.Turn          `json:"turns,omitempty"`
	Summary          string                    `json:"summary,omitempty"`
	Processed        int                       `json:"messages_processed"`
	LastStamp        float64                   `json:"last_stamp"`
	LastSummarizedAt int                       `json:"last_summarized_at"`
}

// snapshot captures the node under its lock.
func (n *Node) snapshot() nodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	children := make([]string, len(n.children))
	copy(children, n.children)
	return nodeSnapshot{
		ID:               n.ID,
		ParentID:         n.ParentID,
		Title:            n.title,
		Children:         children,
		FollowUp:         n.FollowUp,
		CreatedAt:        n.CreatedAt,
		Turns:            n.buffer.Recent(0),
		Summary:          n.buffer.Summary(),
		Processed:        n.buffer.MessagesProcessed(),
		LastStamp:        n.buffer.lastStamp,
		LastSummarizedAt: n.lastSummarizedAt,
	}
}

// nodeFromSnapshot rebuilds a node. The caller wires children into the
// forest afterwards.
func nodeFromSnapshot(s nodeSnapshot, maxTurns int) *Node {
	n := newNode(s.ID, s.Title, s.ParentID, s.FollowUp, maxTurns)
	n.CreatedAt = s.CreatedAt
	n.children = append(n.children, s.Children...)
	n.lastSummarizedAt = s.LastSummarizedAt
	n.buffer.restore(s.Turns, s.Summary, s.Processed, s.LastStamp)
	return n
}
