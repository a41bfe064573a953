package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"farma-chat-api/pkg/openai"
	"farma-chat-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseRecorder adds the CloseNotify method that gin's Context.Stream
// requires of the response writer; httptest.ResponseRecorder lacks it.
type sseRecorder struct{ *httptest.ResponseRecorder }

func (sseRecorder) CloseNotify() <-chan bool { return make(chan bool) }

type scriptedStream struct {
	events []openai.StreamEvent
	pos    int
}

func (s *scriptedStream) Next() openai.StreamEvent {
	if s.pos >= len(s.events) {
		return openai.StreamEvent{Type: openai.EventDone}
	}
	ev := s.events[s.pos]
	s.pos++
	return ev
}

func (s *scriptedStream) Close() error { return nil }

type scriptedModel struct {
	events []openai.StreamEvent
}

func (m *scriptedModel) StreamChatCompletion(context.Context, []openai.ChatMessage, []openai.ToolDefinition, int, float32) (services.ModelStream, error) {
	return &scriptedStream{events: m.events}, nil
}

func setupChatRouter(model services.ModelStreamer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	runs := services.NewRunService(model, services.NewToolRegistry(), "prompt", 1500)
	handler := NewChatHandler(runs)

	r := gin.New()
	r.POST("/api/v1/chat/turn", handler.PostTurn)
	r.POST("/api/v1/chat/cancel", handler.CancelTurn)
	return r
}

func TestPostTurnStreamsSSE(t *testing.T) {
	r := setupChatRouter(&scriptedModel{events: []openai.StreamEvent{
		{Type: openai.EventTextDelta, TextDelta: "Hola"},
		{Type: openai.EventTextDelta, TextDelta: " Ana"},
		{Type: openai.EventDone},
	}})

	body := `{"store_id": "1", "message": "hola"}`
	req := httptest.NewRequest("POST", "/api/v1/chat/turn", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := sseRecorder{httptest.NewRecorder()}
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Conversation-ID"))

	payload := w.Body.String()
	assert.Contains(t, payload, "event:delta")
	assert.Contains(t, payload, "Hola")
	assert.Contains(t, payload, "event:status")
	assert.Contains(t, payload, `"state":"completed"`)
	assert.Contains(t, payload, `"answer":"Hola Ana"`)
}

func TestPostTurnKeepsClientConversationID(t *testing.T) {
	r := setupChatRouter(&scriptedModel{})

	body := `{"conversation_id": "conv-7", "store_id": "1", "message": "hola"}`
	req := httptest.NewRequest("POST", "/api/v1/chat/turn", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := sseRecorder{httptest.NewRecorder()}
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "conv-7", w.Header().Get("X-Conversation-ID"))
}

func TestPostTurnValidatesBody(t *testing.T) {
	r := setupChatRouter(&scriptedModel{})

	req := httptest.NewRequest("POST", "/api/v1/chat/turn", strings.NewReader(`{"message": "hola"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "store_id")
}

func TestCancelTurnWithoutActiveRun(t *testing.T) {
	r := setupChatRouter(&scriptedModel{})

	req := httptest.NewRequest("POST", "/api/v1/chat/cancel", strings.NewReader(`{"conversation_id": "conv-1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTurnValidatesBody(t *testing.T) {
	r := setupChatRouter(&scriptedModel{})

	req := httptest.NewRequest("POST", "/api/v1/chat/cancel", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
