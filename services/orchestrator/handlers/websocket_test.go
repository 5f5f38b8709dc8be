package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonmehedi/subchat/services/orchestrator/conversation"
	"github.com/moonmehedi/subchat/services/orchestrator/datatypes"
	"github.com/moonmehedi/subchat/services/orchestrator/services"
)

func newSocketServer(t *testing.T, client *MockLLMClient) (*httptest.Server, *conversation.Forest) {
	t.Helper()
	forest := conversation.NewForest(50)
	svc := services.NewChatService(forest, client, nil, nil, nil, services.ChatConfig{
		TitleMaxTokens: 20,
		TitleMaxChars:  50,
		RetryDelay:     time.Millisecond,
		ModelLabel:     "test-model",
	})
	router := gin.New()
	router.GET("/api/conversations/:node_id/ws", HandleConversationSocket(forest, svc))

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, forest
}

func dialSocket(t *testing.T, server *httptest.Server, nodeID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/conversations/" + nodeID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

// readTurnFrames reads until the turn's terminal frame (done or error).
func readTurnFrames(t *testing.T, conn *websocket.Conn) []datatypes.StreamFrame {
	t.Helper()
	var frames []datatypes.StreamFrame
	for {
		var frame datatypes.StreamFrame
		require.NoError(t, conn.ReadJSON(&frame))
		frames = append(frames, frame)
		if frame.Type == "done" || frame.Type == "error" {
			return frames
		}
	}
}

func TestHandleConversationSocket_UnknownNodeRejectedBeforeUpgrade(t *testing.T) {
	server, _ := newSocketServer(t, &MockLLMClient{})

	resp, err := http.Get(server.URL + "/api/conversations/missing/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleConversationSocket_StreamsTurnFrames(t *testing.T) {
	mockLLM := &MockLLMClient{
		StreamTokens:  []string{"Hi", " there"},
		GenerateReply: "Greeting",
	}
	server, forest := newSocketServer(t, mockLLM)
	root := forest.CreateRoot("")

	conn := dialSocket(t, server, root.ID)
	require.NoError(t, conn.WriteJSON(datatypes.MessageRequest{Message: "hello"}))

	frames := readTurnFrames(t, conn)
	assert.Equal(t, []string{"token", "token", "title", "done"}, frameTypes(frames))
	assert.Equal(t, "Greeting", frames[2].Content)

	// The socket survives the turn; a second message gets no title frame.
	require.NoError(t, conn.WriteJSON(datatypes.MessageRequest{Message: "and again"}))
	frames = readTurnFrames(t, conn)
	assert.Equal(t, []string{"token", "token", "done"}, frameTypes(frames))

	_, _, turns := root.History()
	assert.Len(t, turns, 4)
}

func TestHandleConversationSocket_BlankMessageKeepsSocketOpen(t *testing.T) {
	mockLLM := &MockLLMClient{StreamTokens: []string{"ok"}}
	server, forest := newSocketServer(t, mockLLM)
	root := forest.CreateRoot("Named already")

	conn := dialSocket(t, server, root.ID)
	require.NoError(t, conn.WriteJSON(datatypes.MessageRequest{Message: "   "}))

	frames := readTurnFrames(t, conn)
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Type)

	// Still usable.
	require.NoError(t, conn.WriteJSON(datatypes.MessageRequest{Message: "real question"}))
	frames = readTurnFrames(t, conn)
	assert.Equal(t, "done", frames[len(frames)-1].Type)
}
