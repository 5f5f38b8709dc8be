package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/observability"
	"github.com/moonmehedi/subchat/services/orchestrator/services"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  datatypes.MaxMessageContentBytes,
	WriteBufferSize: 16 * 1024,
}

// HandleConversationSocket streams chat turns over a websocket.
//
// GET /api/conversations/:node_id/ws upgrades, then each JSON message
// {message, disable_rag?} runs one turn whose frames come back as the
// same objects the SSE endpoint sends. Unlike SSE, the socket survives a
// failed turn: an error frame ends the turn, not the connection.
func HandleConversationSocket(forest *conversation.Forest, svc *services.ChatService) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("node_id")
		if _, err := forest.Get(nodeID); err != nil {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "conversation not found"})
			return
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Failed to upgrade websocket", "node_id", nodeID, "error", err)
			return
		}
		defer ws.Close()
		slog.Info("Websocket client connected", "node_id", nodeID)

		if m := observability.DefaultMetrics; m != nil {
			m.StreamStarted(observability.EndpointWebsocket)
			defer m.StreamEnded(observability.EndpointWebsocket)
		}

		for {
			var req datatypes.MessageRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					if m := observability.DefaultMetrics; m != nil {
						m.RecordClientDisconnect(observability.EndpointWebsocket)
					}
				}
				slog.Info("Websocket client disconnected", "node_id", nodeID, "reason", err.Error())
				return
			}
			if strings.TrimSpace(req.Message) == "" {
				if sendFrame(ws, datatypes.StreamFrame{Type: "error", Content: "message must not be blank"}) != nil {
					return
				}
				continue
			}
			if err := req.Validate(); err != nil {
				if sendFrame(ws, datatypes.StreamFrame{Type: "error", Content: err.Error()}) != nil {
					return
				}
				continue
			}

			if !runSocketTurn(c, ws, svc, nodeID, req) {
				return
			}
		}
	}
}

// runSocketTurn streams one turn's frames to the socket. Returns false
// when the socket should close: the node vanished or a write failed.
func runSocketTurn(c *gin.Context, ws *websocket.Conn, svc *services.ChatService, nodeID string, req datatypes.MessageRequest) bool {
	events, err := svc.StreamTurn(c.Request.Context(), nodeID, req.Message, req.DisableRAG)
	if err != nil {
		_, msg := turnErrorStatus(err)
		if sendFrame(ws, datatypes.StreamFrame{Type: "error", Content: msg}) != nil {
			return false
		}
		// Bad input only fails this turn; a deleted node ends the session.
		return services.IsBadInput(err)
	}

	for ev := range events {
		frame := datatypes.StreamFrame{Type: string(ev.Type), Content: ev.Content}
		if sendFrame(ws, frame) != nil {
			// Stop reading; StreamTurn notices the dead request context.
			return false
		}
	}
	return true
}

// sendFrame writes one frame, logging the failure that ends the session.
func sendFrame(ws *websocket.Conn, frame datatypes.StreamFrame) error {
	if err := ws.WriteJSON(frame); err != nil {
		slog.Warn("Failed to write websocket frame", "error", err)
		return err
	}
	return nil
}
