package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
)

// summaryGenerator returns a GenerateFunc that records every prompt and
// answers with a numbered summary.
func summaryGenerator() (GenerateFunc, *[]string) {
	var prompts []string
	fn := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		prompts = append(prompts, prompt)
		return fmt.Sprintf("summary #%d", len(prompts)), nil
	}
	return fn, &prompts
}

// appendTurns pushes alternating user/assistant turns, running the
// summarizer after every append the way the chat service does, and returns
// the messagesProcessed values at which a cycle fired.
func appendTurns(t *testing.T, s *Summarizer, n *Node, count int) []int {
	t.Helper()
	var fired []int
	for i := 0; i < count; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		if _, _, err := n.Append(role, fmt.Sprintf("m%d", n.MessagesProcessed()+1)); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if s.MaybeSummarize(context.Background(), n) {
			fired = append(fired, n.MessagesProcessed())
		}
	}
	return fired
}

// =============================================================================
// Cadence
// =============================================================================

func TestSummarizer_FiresAtThresholdThenEveryInterval(t *testing.T) {
	gen, prompts := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(15)
	n := f.CreateRoot("cadence")

	fired := appendTurns(t, s, n, 27)

	want := []int{15, 20, 25}
	if len(fired) != len(want) {
		t.Fatalf("cycles fired at %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("cycles fired at %v, want %v", fired, want)
		}
	}
	if len(*prompts) != 3 {
		t.Errorf("LM called %d times, want 3", len(*prompts))
	}
	if got := n.ContextState().Summary; got != "summary #3" {
		t.Errorf("node summary = %q, want the latest cycle's output", got)
	}
}

func TestSummarizer_NeverFiresBelowThreshold(t *testing.T) {
	gen, prompts := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(15)
	n := f.CreateRoot("quiet")

	fired := appendTurns(t, s, n, 14)
	if len(fired) != 0 {
		t.Errorf("cycles fired at %v before threshold, want none", fired)
	}
	if len(*prompts) != 0 {
		t.Errorf("LM called %d times before threshold, want 0", len(*prompts))
	}
	if got := n.ContextState().Summary; got != "" {
		t.Errorf("summary = %q before threshold, want empty", got)
	}
}

func TestSummarizer_RepeatedCheckAtSameCountIsIdempotent(t *testing.T) {
	gen, prompts := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(15)
	n := f.CreateRoot("idempotent")

	appendTurns(t, s, n, 15)
	// A second check without new appends must not rerun the cycle.
	for i := 0; i < 3; i++ {
		if s.MaybeSummarize(context.Background(), n) {
			t.Fatal("cycle re-fired without new turns")
		}
	}
	if len(*prompts) != 1 {
		t.Errorf("LM called %d times, want 1", len(*prompts))
	}
}

func TestSummarizer_SmallBufferStillSummarizesLiveTail(t *testing.T) {
	// max_turns below the threshold is legal: the oldest five are drawn
	// from whatever the live buffer holds.
	gen, prompts := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(10)
	n := f.CreateRoot("small")

	fired := appendTurns(t, s, n, 15)
	if len(fired) != 1 || fired[0] != 15 {
		t.Fatalf("cycles fired at %v, want [15]", fired)
	}

	// Buffer holds m6..m15; the cycle must cover m6-m10.
	prompt := (*prompts)[0]
	if !strings.Contains(prompt, "messages 6-10") {
		t.Errorf("prompt numbers wrong for small buffer:\n%s", prompt)
	}
	if !strings.Contains(prompt, "USER: m6") {
		t.Errorf("prompt missing oldest live turn m6:\n%s", prompt)
	}
}

// =============================================================================
// Prompt content
// =============================================================================

func TestSummarizer_FirstCycleSummarizesOldestFive(t *testing.T) {
	gen, prompts := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(15)
	n := f.CreateRoot("first")

	appendTurns(t, s, n, 15)

	prompt := (*prompts)[0]
	if strings.Contains(prompt, "PREVIOUS SUMMARY") {
		t.Error("first cycle prompt asks for a merge with no prior summary")
	}
	for i := 1; i <= 5; i++ {
		if !strings.Contains(prompt, fmt.Sprintf("m%d", i)) {
			t.Errorf("prompt missing oldest turn m%d:\n%s", i, prompt)
		}
	}
	if strings.Contains(prompt, "m6") {
		t.Error("prompt includes m6, want only the oldest five turns")
	}
	if !strings.Contains(prompt, "USER: m1") || !strings.Contains(prompt, "ASSISTANT: m2") {
		t.Errorf("prompt missing role labels:\n%s", prompt)
	}
}

func TestSummarizer_LaterCyclesMergePriorSummary(t *testing.T) {
	gen, prompts := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(15)
	n := f.CreateRoot("merge")

	appendTurns(t, s, n, 20)

	if len(*prompts) != 2 {
		t.Fatalf("LM called %d times, want 2", len(*prompts))
	}
	second := (*prompts)[1]
	if !strings.Contains(second, "PREVIOUS SUMMARY") {
		t.Errorf("second cycle prompt does not merge:\n%s", second)
	}
	if !strings.Contains(second, "summary #1") {
		t.Errorf("second cycle prompt missing the prior summary text:\n%s", second)
	}
	// At 20 with capacity 15 the buffer holds m6..m20; oldest five are m6-m10.
	if !strings.Contains(second, "messages 6-10") {
		t.Errorf("second cycle numbers wrong:\n%s", second)
	}
}

// =============================================================================
// Failure handling
// =============================================================================

func TestSummarizer_LMFailureKeepsSummaryAndConsumesCycle(t *testing.T) {
	calls := 0
	gen := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.New("upstream 503")
		}
		return fmt.Sprintf("summary #%d", calls), nil
	}
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(15)
	n := f.CreateRoot("flaky")

	fired := appendTurns(t, s, n, 25)

	// All three cycles consume their slot; the failed one changes nothing.
	if len(fired) != 3 {
		t.Fatalf("cycles fired at %v, want three cycles", fired)
	}
	if calls != 3 {
		t.Errorf("LM called %d times, want 3", calls)
	}
	if got := n.ContextState().Summary; got != "summary #3" {
		t.Errorf("summary = %q, want the third cycle's output", got)
	}

	// Summary after the failed 20-cycle stayed at #1 until the 25-cycle.
}

func TestSummarizer_EmptyLMResponseKeepsSummary(t *testing.T) {
	calls := 0
	gen := func(ctx context.Context, prompt string, maxTokens int) (string, error) {
		calls++
		if calls == 1 {
			return "kept", nil
		}
		return "   \n", nil
	}
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 15, Interval: 5, MaxTokens: 500})
	f := NewForest(15)
	n := f.CreateRoot("blank")

	appendTurns(t, s, n, 20)
	if got := n.ContextState().Summary; got != "kept" {
		t.Errorf("summary = %q, want previous summary kept on blank response", got)
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewSummarizer_ClampsInvalidConfig(t *testing.T) {
	gen, _ := summaryGenerator()
	s := NewSummarizer(gen, SummarizerConfig{StartThreshold: 0, Interval: -1, MaxTokens: 0})

	cfg := s.Config()
	if cfg.StartThreshold != 15 || cfg.Interval != 5 || cfg.MaxTokens != 500 {
		t.Errorf("clamped config = %+v, want defaults 15/5/500", cfg)
	}
}

func TestNewSummarizer_PanicsOnNilGenerate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewSummarizer(nil, ...) did not panic")
		}
	}()
	NewSummarizer(nil, DefaultSummarizerConfig())
}
