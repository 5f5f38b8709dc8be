package llm

// StreamEventType discriminates events delivered by ChatStream.
type StreamEventType string

const (
	// StreamEventToken carries one response delta in Content.
	StreamEventToken StreamEventType = "token"
	// StreamEventDone marks normal end of stream. Content is empty.
	StreamEventDone StreamEventType = "done"
	// StreamEventError carries a backend error message in Content.
	// The stream ends after this event.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is a single event on a completion stream.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
}

// StreamCallback consumes stream events. A non-nil return aborts the
// stream; the backend stops reading and returns the callback's error.
type StreamCallback func(event StreamEvent) error
