package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/moonmehedi/subchat/services/llm"
	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/services"
	"github.com/moonmehedi/subchat/services/orchestrator/telemetry"
)

var chatTracer = otel.Tracer("subchat.orchestrator.handlers")

// HandleMessage runs one blocking chat turn.
//
// POST /api/conversations/:node_id/messages with {message, disable_rag?}.
// Replies with the full assistant answer, plus the conversation title on
// the turn that generated it.
func HandleMessage(svc *services.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := chatTracer.Start(c.Request.Context(), "HandleMessage")
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

		result, err := svc.ProcessTurn(ctx, nodeID, req.Message, req.DisableRAG)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
			writeTurnError(c, err)
			return
		}

		c.JSON(http.StatusOK, datatypes.MessageResponse{
			Response:          result.Response,
			ConversationTitle: result.Title,
		})
	}
}

// writeTurnError maps a turn failure to its status code and body.
//
// Not-found and bad-input map straight to 404/400. Pool exhaustion is a
// 503 with a retry hint and no state was changed. Everything else is a
// 500 with a generic body; the detail goes to the log, not the client.
func writeTurnError(c *gin.Context, err error) {
	status, msg := turnErrorStatus(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		telemetry.LoggerWithTrace(c.Request.Context(), slog.Default()).Error(
			"Chat turn failed", "node_id", c.Param("node_id"), "error", err)
	}
	c.JSON(status, datatypes.ErrorResponse{Error: msg})
}

func turnErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, conversation.ErrNodeNotFound):
		return http.StatusNotFound, "conversation not found"
	case services.IsBadInput(err):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, llm.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "all language model backends are busy, try again shortly"
	default:
		return http.StatusInternalServerError, "chat turn failed"
	}
}
