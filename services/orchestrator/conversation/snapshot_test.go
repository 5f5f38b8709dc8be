package conversation

import (
	"context"
	"fmt"
	"testing"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

func openTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	store, err := OpenSnapshotStore("")
	if err != nil {
		t.Fatalf("OpenSnapshotStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSnapshot_RoundTripPreservesForest(t *testing.T) {
	store := openTestStore(t)

	src := NewForest(15)
	root := src.CreateRoot("Root Chat")
	for i := 1; i <= 6; i++ {
		role := datatypes.RoleUser
		if i%2 == 0 {
			role = datatypes.RoleAssistant
		}
		if _, _, err := root.Append(role, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	root.ReplaceSummary("six turns about tides")

	child, err := src.CreateChild(root.ID, "Lunar Subchat", &datatypes.FollowUpRecord{
		SelectedText:    "the moon",
		FollowUpContext: "lunar gravity",
		ContextType:     datatypes.ContextTypeFollowUp,
	})
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	child.Append(datatypes.RoleUser, "why the moon?")
	if err := src.SetActive(root.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	if err := store.Save(src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := NewForest(15)
	restored, err := store.Load(dst)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored != 2 {
		t.Fatalf("restored %d nodes, want 2", restored)
	}

	gotRoot, err := dst.Get(root.ID)
	if err != nil {
		t.Fatalf("Get restored root: %v", err)
	}
	title, summary, turns := gotRoot.History()
	if title != "Root Chat" || summary != "six turns about tides" {
		t.Errorf("restored root = (%q, %q)", title, summary)
	}
	if len(turns) != 6 || turns[0].Text != "m1" || turns[5].Text != "m6" {
		t.Errorf("restored turns = %v", textsOf(turns))
	}
	if gotRoot.MessagesProcessed() != 6 {
		t.Errorf("restored messagesProcessed = %d, want 6", gotRoot.MessagesProcessed())
	}

	gotChild, err := dst.Get(child.ID)
	if err != nil {
		t.Fatalf("Get restored child: %v", err)
	}
	if gotChild.ParentID != root.ID {
		t.Errorf("restored child parent = %q, want %q", gotChild.ParentID, root.ID)
	}
	if gotChild.FollowUp == nil || gotChild.FollowUp.SelectedText != "the moon" {
		t.Errorf("restored follow-up record = %+v", gotChild.FollowUp)
	}
	if got := gotChild.EnhancedFollowUpPrompt(); got == "" {
		t.Error("restored child lost its follow-up prompt")
	}

	kids := gotRoot.Children()
	if len(kids) != 1 || kids[0] != child.ID {
		t.Errorf("restored root children = %v, want [%s]", kids, child.ID)
	}

	active, ok := dst.Active()
	if !ok || active.ID != root.ID {
		t.Errorf("restored active = %v, want root", active)
	}
}

func TestSnapshot_TimestampsKeepAdvancingAfterRestore(t *testing.T) {
	store := openTestStore(t)

	src := NewForest(15)
	root := src.CreateRoot("clock")
	last, _, _ := root.Append(datatypes.RoleUser, "before restart")
	if err := store.Save(src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := NewForest(15)
	if _, err := store.Load(dst); err != nil {
		t.Fatalf("Load: %v", err)
	}
	restored, _ := dst.Get(root.ID)

	next, _, err := restored.Append(datatypes.RoleUser, "after restart")
	if err != nil {
		t.Fatalf("Append after restore: %v", err)
	}
	if next.Timestamp <= last.Timestamp {
		t.Errorf("post-restore timestamp %f not greater than pre-restore %f",
			next.Timestamp, last.Timestamp)
	}
}

func TestSnapshot_SummaryCadenceSurvivesRestore(t *testing.T) {
	store := openTestStore(t)
	gen, prompts := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})

	src := NewForest(15)
	root := src.CreateRoot("cadence")
	appendTurns(t, s, root, 15)
	if len(*prompts) != 1 {
		t.Fatalf("precondition: %d cycles before save, want 1", len(*prompts))
	}
	if err := store.Save(src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := NewForest(15)
	if _, err := store.Load(dst); err != nil {
		t.Fatalf("Load: %v", err)
	}
	restored, _ := dst.Get(root.ID)

	// The 15-cycle already ran before the restart; it must not rerun.
	if s.MaybeSummarize(context.Background(), restored) {
		t.Error("summarization re-fired at the same processed count after restore")
	}
	fired := appendTurns(t, s, restored, 5)
	if len(fired) != 1 || restored.MessagesProcessed() != 20 {
		t.Errorf("post-restore cycles fired at %v (processed=%d), want one cycle at 20",
			fired, restored.MessagesProcessed())
	}
}

func TestSnapshot_SaveDropsDeletedNodes(t *testing.T) {
	store := openTestStore(t)

	src := NewForest(15)
	keep := src.CreateRoot("keep")
	drop := src.CreateRoot("drop")
	if err := store.Save(src); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if _, err := src.Delete(drop.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Save(src); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	dst := NewForest(15)
	restored, err := store.Load(dst)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored %d nodes, want 1 (deleted node resurrected)", restored)
	}
	if _, err := dst.Get(keep.ID); err != nil {
		t.Errorf("surviving node missing after reload: %v", err)
	}
	if _, err := dst.Get(drop.ID); err == nil {
		t.Error("deleted node resurrected by stale snapshot entry")
	}
}

func TestSnapshot_LoadEmptyStoreIsNoop(t *testing.T) {
	store := openTestStore(t)
	f := NewForest(15)
	restored, err := store.Load(f)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored != 0 || f.Len() != 0 {
		t.Errorf("Load on empty store restored %d nodes into forest of %d", restored, f.Len())
	}
}
