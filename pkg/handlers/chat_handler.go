package handlers

import (
	"errors"
	"io"
	"net/http"

	"farma-chat-api/pkg/models"
	"farma-chat-api/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ChatHandler exposes the conversational turn endpoints.
type ChatHandler struct {
	runs *services.RunService
}

// NewChatHandler creates the chat endpoint handler.
func NewChatHandler(runs *services.RunService) *ChatHandler {
	return &ChatHandler{runs: runs}
}

// PostTurn starts one conversational turn and streams its events back
// as server-sent events: `delta` events carry text as it is generated,
// and a single terminal `status` event closes the turn. A missing
// conversation id starts a new conversation; the generated id is
// returned in the X-Conversation-ID header.
func (h *ChatHandler) PostTurn(c *gin.Context) {
	var req models.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "store_id y message son requeridos: " + err.Error()})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	events, err := h.runs.StartTurn(c.Request.Context(), req.ConversationID, req.StoreID, req.Message)
	if err != nil {
		if errors.Is(err, services.ErrTurnActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "ya hay un turno activo para esta conversación"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "no se pudo iniciar el turno"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Conversation-ID", req.ConversationID)

	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		switch event.Type {
		case models.TurnEventDelta:
			c.SSEvent("delta", gin.H{"text": event.Delta})
		case models.TurnEventStatus:
			c.SSEvent("status", gin.H{
				"state":      event.State,
				"answer":     event.Answer,
				"error_code": event.ErrorCode,
			})
		}
		return true
	})
}

// CancelTurn requests cancellation of the active turn of a
// conversation. Returns 404 when nothing is running.
func (h *ChatHandler) CancelTurn(c *gin.Context) {
	var req models.CancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation_id es requerido"})
		return
	}
	if !h.runs.CancelTurn(req.ConversationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no hay un turno activo para esta conversación"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
