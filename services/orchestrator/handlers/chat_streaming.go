package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/observability"
	"github.com/moonmehedi/subchat/services/orchestrator/services"
)

const (
	// keepAliveInterval paces SSE comment pings between frames so idle
	// proxies and load balancers keep the connection open.
	keepAliveInterval = 15 * time.Second

	// streamCommitWindow is how long the handler waits for the turn's
	// first event before committing to SSE output. A failure inside the
	// window still becomes a plain HTTP status; after the window, failures
	// ride the stream as error frames.
	streamCommitWindow = 2 * time.Second
)

// HandleMessageStream runs one chat turn and streams the reply over SSE.
//
// POST /api/conversations/:node_id/messages/stream with the same body as
// the blocking endpoint. Frames are single data lines: zero or more
// token frames, an optional title frame, then done; a failed turn ends
// with an error frame instead of done.
func HandleMessageStream(svc *services.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleMessageStream")
		defer span.End()

		nodeID := c.Param("node_id")
		span.SetAttributes(attribute.String("node.id", nodeID))

		var req datatypes.MessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.SetStatus(codes.Error, "invalid request body")
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			span.SetStatus(codes.Error, "validation failed")
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: err.Error()})
			return
		}

		events, err := svc.StreamTurn(ctx, nodeID, req.Message, req.DisableRAG)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "stream setup failed")
			writeTurnError(c, err)
			return
		}

		// Peek at the first event before writing any response bytes, so an
		// immediate failure (pool exhausted, bad turn state) can still be a
		// proper status code instead of a 200 with an error frame.
		var pending *services.TurnEvent
		commit := time.NewTimer(streamCommitWindow)
		select {
		case ev, ok := <-events:
			commit.Stop()
			if !ok {
				// Closed without a single event: the client was already
				// gone. Nothing sensible left to write.
				return
			}
			if ev.Type == services.TurnEventError && ev.Err != nil {
				span.RecordError(ev.Err)
				span.SetStatus(codes.Error, "turn failed before streaming")
				writeTurnError(c, ev.Err)
				return
			}
			pending = &ev
		case <-commit.C:
		}

		SetSSEHeaders(c.Writer)
		writer, err := NewSSEWriter(c.Writer)
		if err != nil {
			span.RecordError(err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
			return
		}

		if pending != nil {
			if writeStreamEvent(writer, *pending) {
				return
			}
		}

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if writeStreamEvent(writer, ev) {
					return
				}
			case <-ticker.C:
				if err := writer.WriteKeepAlive(); err != nil {
					slog.Debug("Keep-alive write failed, client likely gone", "node_id", nodeID)
					return
				}
				if m := observability.DefaultMetrics; m != nil {
					m.RecordKeepAlive(observability.EndpointMessagesStream)
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// writeStreamEvent renders one turn event as an SSE frame. Returns true
// when the stream is over, either because the event was terminal or
// because the client stopped reading.
func writeStreamEvent(w SSEWriter, ev services.TurnEvent) bool {
	var err error
	switch ev.Type {
	case services.TurnEventToken:
		err = w.WriteToken(ev.Content)
	case services.TurnEventTitle:
		err = w.WriteTitle(ev.Content)
	case services.TurnEventDone:
		_ = w.WriteDone()
		return true
	case services.TurnEventError:
		_ = w.WriteError(ev.Content)
		return true
	}
	if err != nil {
		slog.Debug("Stream frame write failed, client likely gone", "error", err)
		return true
	}
	return false
}
