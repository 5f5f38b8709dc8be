// Package services implements the orchestrator's business logic,
// separated from the HTTP handlers.
//
// ChatService owns the turn pipeline: resolve the node, persist the user
// turn, assemble the prompt from the node's own state plus archived
// memory, call the language model (blocking or streamed), persist the
// reply, and kick off rolling summarization and one-time titling.
// Assembler builds the prompt; TokenAccumulator guards streamed replies
// in locked memory until they are complete.
//
// Services take their dependencies through constructors and accept a
// context on every operation, so they stay testable and traceable.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/moonmehedi/subchat/services/llm"
	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/memory"
	"github.com/moonmehedi/subchat/services/orchestrator/observability"
)

// tracer is the OpenTelemetry tracer for service operations.
var tracer = otel.Tracer("subchat.orchestrator.services")

// streamEventBuffer decouples the turn goroutine from the SSE writer a
// little; emits still block (with cancellation) once it fills.
const streamEventBuffer = 32

// titleWordLimit caps auto-generated conversation titles.
const titleWordLimit = 4

// TurnIndexer sends completed turns to the archive. Indexing is fire and
// forget; implementations log failures instead of returning them.
type TurnIndexer interface {
	Index(ctx context.Context, rec datatypes.ArchiveRecordProps)
}

var _ TurnIndexer = (*memory.Archive)(nil)

// TurnEventType discriminates events on a streamed turn.
type TurnEventType string

const (
	// TurnEventToken carries one reply delta.
	TurnEventToken TurnEventType = "token"
	// TurnEventTitle carries the auto-generated conversation title. At
	// most one per turn, and only on the turn that set it.
	TurnEventTitle TurnEventType = "title"
	// TurnEventDone marks normal end of turn.
	TurnEventDone TurnEventType = "done"
	// TurnEventError reports a failed turn. The stream ends after it.
	TurnEventError TurnEventType = "error"
)

// TurnEvent is one event on a streamed turn. Err is set only on error
// events; handlers use it to choose a status code when the failure
// happens before any bytes were written.
type TurnEvent struct {
	Type    TurnEventType
	Content string
	Err     error
}

// TurnResult is the outcome of a blocking turn.
type TurnResult struct {
	// Response is the full assistant reply.
	Response string

	// Title is non-empty only when this turn auto-titled the node.
	Title string

	// RetrievalRan and RetrievedCount describe what retrieval did, for
	// response metadata and logging.
	RetrievalRan   bool
	RetrievedCount int
}

// ChatConfig tunes the turn pipeline.
type ChatConfig struct {
	// RetrievalEnabledDefault gates archive retrieval for turns that do
	// not set disable_rag.
	RetrievalEnabledDefault bool

	// TitleMaxTokens caps the title-generation completion.
	TitleMaxTokens int

	// TitleMaxChars caps accepted titles, in runes.
	TitleMaxChars int

	// RetryDelay is the pause before the single transient retry.
	RetryDelay time.Duration

	// ModelLabel tags token metrics.
	ModelLabel string
}

// DefaultChatConfig reads the pipeline tunables from the environment:
// RETRIEVAL_ENABLED_DEFAULT (default true) and LM_MODEL_PRIMARY for the
// metrics label.
func DefaultChatConfig() ChatConfig {
	cfg := ChatConfig{
		RetrievalEnabledDefault: true,
		TitleMaxTokens:          20,
		TitleMaxChars:           50,
		RetryDelay:              time.Second,
		ModelLabel:              "unknown",
	}
	if v := os.Getenv("RETRIEVAL_ENABLED_DEFAULT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RetrievalEnabledDefault = b
		} else {
			slog.Warn("Invalid RETRIEVAL_ENABLED_DEFAULT, using default", "got", v, "default", true)
		}
	}
	if v := os.Getenv("LM_MODEL_PRIMARY"); v != "" {
		cfg.ModelLabel = v
	}
	return cfg
}

// ChatService runs chat turns against conversation nodes.
//
// A turn is serialized per node through the node's turn gate: the user
// append, the LM call and the assistant append of turn N complete before
// turn N+1 touches the node. Different nodes proceed concurrently.
//
// The service is safe for concurrent use.
type ChatService struct {
	forest     *conversation.Forest
	llmClient  llm.LLMClient
	assembler  *Assembler
	indexer    TurnIndexer
	summarizer *conversation.Summarizer
	config     ChatConfig

	// retrievalDefault is the live value of config.RetrievalEnabledDefault,
	// runtime-tunable via SetRetrievalDefault.
	retrievalDefault atomic.Bool
}

// NewChatService wires the turn pipeline. forest and llmClient are
// required. assembler, indexer and summarizer may each be nil, which
// disables retrieval context, archive indexing and rolling summaries
// respectively.
func NewChatService(
	forest *conversation.Forest,
	llmClient llm.LLMClient,
	assembler *Assembler,
	indexer TurnIndexer,
	summarizer *conversation.Summarizer,
	config ChatConfig,
) *ChatService {
	if assembler == nil {
		assembler = NewAssembler(nil, nil)
	}
	s := &ChatService{
		forest:     forest,
		llmClient:  llmClient,
		assembler:  assembler,
		indexer:    indexer,
		summarizer: summarizer,
		config:     config,
	}
	s.retrievalDefault.Store(config.RetrievalEnabledDefault)
	return s
}

// SetRetrievalDefault flips whether turns retrieve archive context when
// the request does not set disable_rag. Takes effect on the next turn.
func (s *ChatService) SetRetrievalDefault(enabled bool) {
	if s.retrievalDefault.Swap(enabled) != enabled {
		slog.Info("Retrieval default updated", "enabled", enabled)
	}
}

// ProcessTurn runs one blocking turn: append the user message, assemble
// the prompt, call the LM once (with a single transient retry), then
// persist and index the reply.
//
// On LM failure the user turn stays in the buffer and no assistant turn
// is appended; the caller maps the error to a status code. Pool
// exhaustion is returned as llm.ErrPoolExhausted without retrying so the
// caller can answer 503 immediately.
func (s *ChatService) ProcessTurn(ctx context.Context, nodeID, message string, disableRAG bool) (*TurnResult, error) {
	ctx, span := tracer.Start(ctx, "ChatService.ProcessTurn")
	defer span.End()
	span.SetAttributes(attribute.String("node.id", nodeID))

	endpoint := observability.EndpointMessages
	start := time.Now()

	node, err := s.forest.Get(nodeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "node not found")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeNotFound)
		}
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		err := &BadInputError{Field: "message", Reason: "must not be blank"}
		span.SetStatus(codes.Error, "blank message")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeBadInput)
		}
		return nil, err
	}

	if err := node.BeginTurn(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer node.EndTurn()

	prep, err := s.prepareTurn(ctx, node, message, disableRAG)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn preparation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeBadInput)
		}
		return nil, err
	}
	s.recordRetrieval(span, endpoint, prep.prompt)

	answer, err := s.chatWithRetry(ctx, prep.prompt.Messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, classifyLLMError(err))
			m.RecordTurn(endpoint, false)
			m.RecordTurnDuration(endpoint, time.Since(start).Seconds(), false)
		}
		return nil, err
	}

	title := s.completeTurn(ctx, node, message, answer)
	s.recordTurnMetrics(endpoint, prep.prompt.Messages, answer, time.Since(start), true)

	span.SetAttributes(
		attribute.Int("reply.length", len(answer)),
		attribute.Bool("turn.titled", title != ""),
	)
	slog.Info("Chat turn complete",
		"node_id", node.ID,
		"retrieval_ran", prep.prompt.RetrievalRan,
		"retrieved_records", prep.prompt.RetrievedCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &TurnResult{
		Response:       answer,
		Title:          title,
		RetrievalRan:   prep.prompt.RetrievalRan,
		RetrievedCount: prep.prompt.RetrievedCount,
	}, nil
}

// StreamTurn runs one streamed turn. Node resolution and input
// validation happen synchronously so the caller can still choose a status
// code; everything after that arrives on the returned channel, ending
// with a done or error event. The channel is closed when the turn is
// over.
//
// The first event should be inspected before any response bytes are
// written: an immediate error event (pool exhausted, preparation failure)
// carries its cause in Err and can still become a plain HTTP error.
func (s *ChatService) StreamTurn(ctx context.Context, nodeID, message string, disableRAG bool) (<-chan TurnEvent, error) {
	node, err := s.forest.Get(nodeID)
	if err != nil {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(observability.EndpointMessagesStream, observability.ErrorCodeNotFound)
		}
		return nil, err
	}
	if strings.TrimSpace(message) == "" {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(observability.EndpointMessagesStream, observability.ErrorCodeBadInput)
		}
		return nil, &BadInputError{Field: "message", Reason: "must not be blank"}
	}

	events := make(chan TurnEvent, streamEventBuffer)
	go s.runStream(ctx, node, message, disableRAG, events)
	return events, nil
}

// turnPrep carries what prepareTurn produced for the rest of the turn.
type turnPrep struct {
	prompt AssembledPrompt
}

// prepareTurn is the shared front half of a turn: append the user
// message, index it, give the summarizer its chance, then assemble the
// prompt from the post-append state. The state snapshot is taken after
// the append so the buffered turns already end with the new user message
// and the archive cutoff reflects any eviction it caused.
func (s *ChatService) prepareTurn(ctx context.Context, node *conversation.Node, message string, disableRAG bool) (turnPrep, error) {
	userTurn, _, err := node.Append(datatypes.RoleUser, message)
	if err != nil {
		return turnPrep{}, &BadInputError{Field: "message", Reason: err.Error()}
	}
	s.indexTurn(ctx, node, userTurn)
	s.maybeSummarize(ctx, node)

	state := node.ContextState()
	retrieve := s.retrievalDefault.Load() && !disableRAG
	prompt := s.assembler.Assemble(ctx, state, message, retrieve)
	return turnPrep{prompt: prompt}, nil
}

// completeTurn is the shared back half of a successful turn: persist the
// reply, index it, give the summarizer its chance, and auto-title the
// node once. Returns the new title, or "" when the node already had one.
//
// Failures here are logged and swallowed; the reply was already produced
// and the caller will deliver it regardless.
func (s *ChatService) completeTurn(ctx context.Context, node *conversation.Node, userText, answer string) string {
	assistantTurn, _, err := node.Append(datatypes.RoleAssistant, answer)
	if err != nil {
		slog.Error("Failed to append assistant turn", "node_id", node.ID, "error", err)
		return ""
	}
	s.indexTurn(ctx, node, assistantTurn)
	s.maybeSummarize(ctx, node)
	return s.maybeTitle(ctx, node, userText)
}

// indexTurn archives one turn, stamped with the node's title at indexing
// time. Best effort: the archive logs its own failures.
func (s *ChatService) indexTurn(ctx context.Context, node *conversation.Node, turn datatypes.Turn) {
	if s.indexer == nil {
		return
	}
	s.indexer.Index(ctx, datatypes.ArchiveRecordProps{
		NodeID:            node.ID,
		Role:              turn.Role,
		Content:           turn.Text,
		Timestamp:         turn.Timestamp,
		ConversationTitle: node.Title(),
	})
}

func (s *ChatService) maybeSummarize(ctx context.Context, node *conversation.Node) {
	if s.summarizer == nil {
		return
	}
	if s.summarizer.MaybeSummarize(ctx, node) {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordSummarization()
		}
	}
}

// maybeTitle auto-titles a still-untitled node from the turn's user
// message: an LM call capped at TitleMaxTokens, falling back to the
// message's leading words when the call fails. SetTitleIfDefault keeps
// the operation once-only under concurrency.
func (s *ChatService) maybeTitle(ctx context.Context, node *conversation.Node, userText string) string {
	if !node.NeedsTitle() {
		return ""
	}

	title := s.generateTitle(ctx, userText)
	if title == "" {
		title = fallbackTitle(userText, s.config.TitleMaxChars)
	}
	if title == "" || !node.SetTitleIfDefault(title) {
		return ""
	}
	slog.Info("Auto-titled conversation", "node_id", node.ID, "title", title)
	return title
}

func (s *ChatService) generateTitle(ctx context.Context, userText string) string {
	prompt := fmt.Sprintf(
		"Generate a title of at most %d words for a conversation that starts with:\n\n%s\n\nReply with the title only, no quotes and no trailing punctuation.",
		titleWordLimit, userText,
	)
	maxTokens := s.config.TitleMaxTokens
	raw, err := s.llmClient.Generate(ctx, prompt, llm.GenerationParams{MaxTokens: &maxTokens})
	if err != nil {
		slog.Warn("Title generation failed, falling back to keywords", "error", err)
		return ""
	}
	return sanitizeTitle(raw, s.config.TitleMaxChars)
}

// sanitizeTitle normalizes an LM-produced title: strip quotes, collapse
// whitespace, clamp to maxChars without splitting a rune.
func sanitizeTitle(raw string, maxChars int) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'`")
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return ""
	}
	if r := []rune(title); maxChars > 0 && len(r) > maxChars {
		title = strings.TrimSpace(string(r[:maxChars]))
	}
	return title
}

// fallbackTitle derives a title from the message's leading words.
func fallbackTitle(userText string, maxChars int) string {
	fields := strings.Fields(userText)
	if len(fields) > titleWordLimit {
		fields = fields[:titleWordLimit]
	}
	return sanitizeTitle(strings.Join(fields, " "), maxChars)
}

// chatWithRetry makes the blocking completion call, retrying once when
// the failure is transient. Pool exhaustion is not transient and returns
// immediately. A blank reply is treated as a hard failure; an empty
// assistant turn must never enter the buffer.
func (s *ChatService) chatWithRetry(ctx context.Context, messages []datatypes.Message) (string, error) {
	var lastErr error
	delay := s.config.RetryDelay

	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying chat completion", "attempt", attempt, "delay", delay, "lastError", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		answer, err := s.llmClient.Chat(ctx, messages, llm.GenerationParams{})
		if err == nil {
			if strings.TrimSpace(answer) == "" {
				return "", fmt.Errorf("llm returned a blank reply")
			}
			return answer, nil
		}
		lastErr = err
		if !llm.IsTransient(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("chat completion failed after 2 attempts: %w", lastErr)
}

// runStream is the goroutine behind StreamTurn. It owns the events
// channel and always closes it.
func (s *ChatService) runStream(ctx context.Context, node *conversation.Node, message string, disableRAG bool, events chan<- TurnEvent) {
	defer close(events)

	ctx, span := tracer.Start(ctx, "ChatService.StreamTurn")
	defer span.End()
	span.SetAttributes(attribute.String("node.id", node.ID))

	endpoint := observability.EndpointMessagesStream
	start := time.Now()

	if m := observability.DefaultMetrics; m != nil {
		m.StreamStarted(endpoint)
		defer m.StreamEnded(endpoint)
	}

	if err := node.BeginTurn(ctx); err != nil {
		// Canceled while queued behind another turn. Nothing was changed
		// and nobody is listening.
		span.RecordError(err)
		s.recordDisconnect(endpoint, start)
		return
	}
	defer node.EndTurn()

	prep, err := s.prepareTurn(ctx, node, message, disableRAG)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn preparation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeBadInput)
			m.RecordTurn(endpoint, false)
		}
		s.emit(ctx, events, TurnEvent{Type: TurnEventError, Content: "failed to prepare turn", Err: err})
		return
	}
	s.recordRetrieval(span, endpoint, prep.prompt)

	acc, err := NewTokenAccumulator()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "accumulator allocation failed")
		if m := observability.DefaultMetrics; m != nil {
			m.RecordError(endpoint, observability.ErrorCodeInternal)
			m.RecordTurn(endpoint, false)
		}
		s.emit(ctx, events, TurnEvent{Type: TurnEventError, Content: "secure reply buffer unavailable", Err: err})
		return
	}

	answer, ok := s.streamCompletion(ctx, span, prep.prompt.Messages, acc, events, endpoint, start)
	if !ok {
		return
	}

	title := s.completeTurn(ctx, node, message, answer)
	if title != "" {
		if err := s.emit(ctx, events, TurnEvent{Type: TurnEventTitle, Content: title}); err != nil {
			return
		}
	}
	if err := s.emit(ctx, events, TurnEvent{Type: TurnEventDone}); err != nil {
		return
	}

	s.recordTurnMetrics(endpoint, prep.prompt.Messages, answer, time.Since(start), true)
	span.SetAttributes(attribute.Int("reply.length", len(answer)))
	slog.Info("Streaming turn complete",
		"node_id", node.ID,
		"retrieval_ran", prep.prompt.RetrievalRan,
		"retrieved_records", prep.prompt.RetrievedCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// streamCompletion drives the token stream into the accumulator and out
// to the events channel, retrying once on a transient failure that
// happened before any token arrived. Returns the finalized reply, or
// ok=false after it has already emitted the failure (or detected a
// disconnect) and recorded metrics.
//
// On failure the user turn stays in the buffer and no assistant turn is
// appended. A disconnect discards the partial reply without emitting.
func (s *ChatService) streamCompletion(
	ctx context.Context,
	span trace.Span,
	messages []datatypes.Message,
	acc TokenAccumulator,
	events chan<- TurnEvent,
	endpoint observability.Endpoint,
	start time.Time,
) (string, bool) {
	tokens := 0
	var lastErr error
	delay := s.config.RetryDelay

	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			slog.Info("Retrying streamed completion", "attempt", attempt, "delay", delay, "lastError", lastErr)
			select {
			case <-ctx.Done():
				acc.Destroy()
				s.recordDisconnect(endpoint, start)
				return "", false
			case <-time.After(delay):
			}
		}

		err := s.llmClient.ChatStream(ctx, messages, llm.GenerationParams{}, func(ev llm.StreamEvent) error {
			switch ev.Type {
			case llm.StreamEventToken:
				if ev.Content == "" {
					return nil
				}
				if tokens == 0 {
					if m := observability.DefaultMetrics; m != nil {
						m.RecordTimeToFirstToken(endpoint, time.Since(start).Seconds())
					}
				}
				tokens++
				if werr := acc.Write(ev.Content); werr != nil {
					return werr
				}
				return s.emit(ctx, events, TurnEvent{Type: TurnEventToken, Content: ev.Content})
			case llm.StreamEventError:
				return errors.New(ev.Content)
			default:
				return nil
			}
		})
		if err == nil {
			answer, _, ferr := acc.Finalize()
			if ferr != nil {
				s.failStream(ctx, span, events, endpoint, start, "reply processing failed", ferr, nil)
				return "", false
			}
			if strings.TrimSpace(answer) == "" {
				s.failStream(ctx, span, events, endpoint, start, "model returned an empty reply",
					fmt.Errorf("llm returned a blank reply"), nil)
				return "", false
			}
			span.SetAttributes(attribute.Int("stream.tokens", tokens))
			return answer, true
		}

		lastErr = err
		if tokens == 0 && llm.IsTransient(err) {
			continue
		}
		break
	}

	if ctx.Err() != nil {
		acc.Destroy()
		span.RecordError(lastErr)
		s.recordDisconnect(endpoint, start)
		return "", false
	}
	s.failStream(ctx, span, events, endpoint, start, "chat completion failed", lastErr, acc)
	return "", false
}

// failStream is the single exit for mid-stream failures: wipe the
// partial reply, record the failure, and tell the client.
func (s *ChatService) failStream(
	ctx context.Context,
	span trace.Span,
	events chan<- TurnEvent,
	endpoint observability.Endpoint,
	start time.Time,
	msg string,
	err error,
	acc TokenAccumulator,
) {
	if acc != nil {
		acc.Destroy()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	if m := observability.DefaultMetrics; m != nil {
		m.RecordError(endpoint, classifyLLMError(err))
		m.RecordTurn(endpoint, false)
		m.RecordTurnDuration(endpoint, time.Since(start).Seconds(), false)
	}
	slog.Error("Streaming turn failed", "error", err)
	s.emit(ctx, events, TurnEvent{Type: TurnEventError, Content: msg, Err: err})
}

// recordDisconnect accounts for a client that went away mid-turn. The
// partial reply is already destroyed; the user turn stays.
func (s *ChatService) recordDisconnect(endpoint observability.Endpoint, start time.Time) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordClientDisconnect(endpoint)
		m.RecordError(endpoint, observability.ErrorCodeClientDisconnect)
		m.RecordTurn(endpoint, false)
		m.RecordTurnDuration(endpoint, time.Since(start).Seconds(), false)
	}
	slog.Info("Client disconnected mid-stream, partial reply discarded")
}

// emit delivers one event unless the client has gone away. The returned
// context error, when passed up through a stream callback, aborts the
// in-flight backend stream.
func (s *ChatService) emit(ctx context.Context, events chan<- TurnEvent, ev TurnEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChatService) recordRetrieval(span trace.Span, endpoint observability.Endpoint, prompt AssembledPrompt) {
	span.SetAttributes(
		attribute.Bool("retrieval.ran", prompt.RetrievalRan),
		attribute.Int("retrieval.records", prompt.RetrievedCount),
	)
	if !prompt.RetrievalRan {
		return
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRetrieval(endpoint, prompt.RetrievedCount)
	}
}

func (s *ChatService) recordTurnMetrics(endpoint observability.Endpoint, messages []datatypes.Message, answer string, elapsed time.Duration, success bool) {
	m := observability.DefaultMetrics
	if m == nil {
		return
	}
	in := 0
	for _, msg := range messages {
		in += estimateTokens(msg.Content)
	}
	m.RecordTokens(in, estimateTokens(answer), s.config.ModelLabel)
	m.RecordTurn(endpoint, success)
	m.RecordTurnDuration(endpoint, elapsed.Seconds(), success)
}

// estimateTokens approximates token counts at four bytes per token, the
// same coarse ratio the secure buffer is sized with.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// classifyLLMError buckets an LM-path failure for the error counter.
func classifyLLMError(err error) observability.ErrorCode {
	switch {
	case errors.Is(err, llm.ErrPoolExhausted):
		return observability.ErrorCodePoolExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return observability.ErrorCodeTimeout
	default:
		return observability.ErrorCodeLLMError
	}
}
