package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	config "farma-chat-api/configs"
	"farma-chat-api/pkg/models"
	"farma-chat-api/pkg/openai"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStream replays a scripted event sequence.
type fakeStream struct {
	events []openai.StreamEvent
	pos    int
}

func (s *fakeStream) Next() openai.StreamEvent {
	if s.pos >= len(s.events) {
		return openai.StreamEvent{Type: openai.EventDone}
	}
	ev := s.events[s.pos]
	s.pos++
	return ev
}

func (s *fakeStream) Close() error { return nil }

// blockingStream parks Next until Close (or release) is called.
type blockingStream struct {
	release   chan struct{}
	closeOnce sync.Once
}

func newBlockingStream() *blockingStream {
	return &blockingStream{release: make(chan struct{})}
}

func (s *blockingStream) Next() openai.StreamEvent {
	<-s.release
	return openai.StreamEvent{Type: openai.EventDone}
}

func (s *blockingStream) Close() error {
	s.closeOnce.Do(func() { close(s.release) })
	return nil
}

// fakeModel hands out one scripted response per call and records every
// request it receives.
type fakeModel struct {
	mu       sync.Mutex
	streams  []ModelStream
	errs     []error
	requests [][]openai.ChatMessage
}

func (m *fakeModel) StreamChatCompletion(_ context.Context, messages []openai.ChatMessage, _ []openai.ToolDefinition, _ int, _ float32) (ModelStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := make([]openai.ChatMessage, len(messages))
	copy(copied, messages)
	m.requests = append(m.requests, copied)

	call := len(m.requests) - 1
	if call < len(m.errs) && m.errs[call] != nil {
		return nil, m.errs[call]
	}
	if call < len(m.streams) {
		return m.streams[call], nil
	}
	return &fakeStream{}, nil
}

func (m *fakeModel) recorded() [][]openai.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func textStream(parts ...string) *fakeStream {
	events := make([]openai.StreamEvent, 0, len(parts)+1)
	for _, p := range parts {
		events = append(events, openai.StreamEvent{Type: openai.EventTextDelta, TextDelta: p})
	}
	events = append(events, openai.StreamEvent{Type: openai.EventDone})
	return &fakeStream{events: events}
}

func collect(t *testing.T, events <-chan models.TurnEvent) []models.TurnEvent {
	t.Helper()
	var all []models.TurnEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, ev)
		case <-timeout:
			t.Fatal("timed out waiting for turn events")
		}
	}
}

func terminalEvent(t *testing.T, events []models.TurnEvent) models.TurnEvent {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, models.TurnEventStatus, last.Type)
	// Exactly one status event, and it is the last one.
	for _, ev := range events[:len(events)-1] {
		require.Equal(t, models.TurnEventDelta, ev.Type)
	}
	return last
}

func registryWithHandler(t *testing.T, name string, handler ToolHandler) *ToolRegistry {
	t.Helper()
	registry := NewToolRegistry()
	decl := config.FunctionDeclaration{
		Name:       name,
		Parameters: config.ParametersSpec{Type: "object"},
	}
	require.NoError(t, registry.Register(decl, handler))
	return registry
}

func TestRunTurnStreamsTextAndCompletes(t *testing.T) {
	model := &fakeModel{streams: []ModelStream{textStream("Hola", ", ¿en qué puedo ayudarte?")}}
	svc := NewRunService(model, NewToolRegistry(), "sos una asistente", 1500)

	events, err := svc.StartTurn(context.Background(), "conv-1", "1", "Hola")
	require.NoError(t, err)

	all := collect(t, events)
	last := terminalEvent(t, all)
	assert.Equal(t, models.RunStateCompleted, last.State)
	assert.Equal(t, "Hola, ¿en qué puedo ayudarte?", last.Answer)
	assert.Len(t, all, 3)
	assert.Equal(t, "Hola", all[0].Delta)

	// The request starts with the system prompt and ends with the user message.
	requests := model.recorded()
	require.Len(t, requests, 1)
	assert.Equal(t, "system", requests[0][0].Role)
	assert.Equal(t, "sos una asistente", requests[0][0].Content)
	assert.Equal(t, "user", requests[0][len(requests[0])-1].Role)
}

func TestRunTurnCarriesHistoryAcrossTurns(t *testing.T) {
	model := &fakeModel{streams: []ModelStream{textStream("Primera."), textStream("Segunda.")}}
	svc := NewRunService(model, NewToolRegistry(), "prompt", 1500)

	events, err := svc.StartTurn(context.Background(), "conv-1", "1", "uno")
	require.NoError(t, err)
	collect(t, events)

	events, err = svc.StartTurn(context.Background(), "conv-1", "1", "dos")
	require.NoError(t, err)
	collect(t, events)

	requests := model.recorded()
	require.Len(t, requests, 2)
	// system, user "uno", assistant "Primera.", user "dos"
	require.Len(t, requests[1], 4)
	assert.Equal(t, "uno", requests[1][1].Content)
	assert.Equal(t, "assistant", requests[1][2].Role)
	assert.Equal(t, "Primera.", requests[1][2].Content)
	assert.Equal(t, "dos", requests[1][3].Content)
}

func TestRunTurnDispatchesToolBatchBeforeResuming(t *testing.T) {
	toolCallStream := &fakeStream{events: []openai.StreamEvent{
		{Type: openai.EventToolCalls, ToolCalls: []openai.ToolCall{
			{ID: "call_a", Type: "function", Function: openai.FunctionCall{Name: "contar_marcas", Arguments: "{}"}},
			{ID: "call_b", Type: "function", Function: openai.FunctionCall{Name: "contar_marcas", Arguments: "{}"}},
		}},
	}}
	model := &fakeModel{streams: []ModelStream{toolCallStream, textStream("Hay 7 marcas.")}}

	var storesSeen []string
	var seenMu sync.Mutex
	registry := registryWithHandler(t, "contar_marcas", func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
		seenMu.Lock()
		storesSeen = append(storesSeen, StoreIDFromContext(ctx))
		seenMu.Unlock()
		return map[string]int{"total": 7}, nil
	})
	svc := NewRunService(model, registry, "prompt", 1500)

	events, err := svc.StartTurn(context.Background(), "conv-1", "42", "¿cuántas marcas hay?")
	require.NoError(t, err)
	last := terminalEvent(t, collect(t, events))
	assert.Equal(t, models.RunStateCompleted, last.State)
	assert.Equal(t, "Hay 7 marcas.", last.Answer)

	// Both handlers ran against the turn's store.
	assert.Equal(t, []string{"42", "42"}, storesSeen)

	// The resumption request carries the assistant tool-call message and
	// exactly one tool message per call, in batch order.
	requests := model.recorded()
	require.Len(t, requests, 2)
	resumed := requests[1]
	assistant := resumed[len(resumed)-3]
	require.Equal(t, "assistant", assistant.Role)
	require.Len(t, assistant.ToolCalls, 2)
	assert.Equal(t, "call_a", resumed[len(resumed)-2].ToolCallID)
	assert.Equal(t, "call_b", resumed[len(resumed)-1].ToolCallID)
	assert.JSONEq(t, `{"total":7}`, resumed[len(resumed)-2].Content)
}

func TestRunTurnHandlerFaultStillResumes(t *testing.T) {
	toolCallStream := &fakeStream{events: []openai.StreamEvent{
		{Type: openai.EventToolCalls, ToolCalls: []openai.ToolCall{
			{ID: "call_a", Type: "function", Function: openai.FunctionCall{Name: "contar_marcas", Arguments: "{}"}},
		}},
	}}
	model := &fakeModel{streams: []ModelStream{toolCallStream, textStream("No pude contarlas.")}}
	registry := registryWithHandler(t, "contar_marcas", func(context.Context, map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	})
	svc := NewRunService(model, registry, "prompt", 1500)

	events, err := svc.StartTurn(context.Background(), "conv-1", "1", "marcas")
	require.NoError(t, err)
	last := terminalEvent(t, collect(t, events))
	assert.Equal(t, models.RunStateCompleted, last.State)

	// The fault reached the model as a readable tool payload.
	requests := model.recorded()
	require.Len(t, requests, 2)
	resumed := requests[1]
	toolMsg := resumed[len(resumed)-1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Contains(t, toolMsg.Content, models.CodeInternalError)
}

func TestRunTurnRetriesThenFails(t *testing.T) {
	model := &fakeModel{errs: []error{
		fmt.Errorf("dial timeout"),
		fmt.Errorf("dial timeout"),
		fmt.Errorf("dial timeout"),
	}}
	svc := NewRunService(model, NewToolRegistry(), "prompt", 1500)

	events, err := svc.StartTurn(context.Background(), "conv-1", "1", "hola")
	require.NoError(t, err)
	last := terminalEvent(t, collect(t, events))

	assert.Equal(t, models.RunStateFailed, last.State)
	assert.Equal(t, models.CodeTransportError, last.ErrorCode)
	assert.Equal(t, FailedTurnMessage, last.Answer)
	assert.Len(t, model.recorded(), 3)

	// A failed turn never reaches the transcript.
	events, err = svc.StartTurn(context.Background(), "conv-1", "1", "de nuevo")
	require.NoError(t, err)
	collect(t, events)
	lastReq := model.recorded()[3]
	assert.Len(t, lastReq, 2) // system + the new user message only
}

func TestRunTurnOverlapRejected(t *testing.T) {
	blocking := newBlockingStream()
	model := &fakeModel{streams: []ModelStream{blocking}}
	svc := NewRunService(model, NewToolRegistry(), "prompt", 1500)

	events, err := svc.StartTurn(context.Background(), "conv-1", "1", "hola")
	require.NoError(t, err)

	_, err = svc.StartTurn(context.Background(), "conv-1", "1", "otra vez")
	assert.ErrorIs(t, err, ErrTurnActive)

	// A different conversation is unaffected.
	other, err := svc.StartTurn(context.Background(), "conv-2", "1", "hola")
	require.NoError(t, err)
	collect(t, other)

	blocking.Close()
	collect(t, events)

	// The slot frees once the turn ends.
	events, err = svc.StartTurn(context.Background(), "conv-1", "1", "ahora sí")
	require.NoError(t, err)
	collect(t, events)
}

func TestCancelTurn(t *testing.T) {
	blocking := newBlockingStream()
	model := &fakeModel{streams: []ModelStream{blocking}}
	svc := NewRunService(model, NewToolRegistry(), "prompt", 1500)

	events, err := svc.StartTurn(context.Background(), "conv-1", "1", "hola")
	require.NoError(t, err)

	require.True(t, svc.CancelTurn("conv-1"))
	last := terminalEvent(t, collect(t, events))
	assert.Equal(t, models.RunStateCancelled, last.State)
	assert.Equal(t, models.CodeCancelled, last.ErrorCode)

	// Nothing left to cancel.
	assert.False(t, svc.CancelTurn("conv-1"))
	assert.False(t, svc.CancelTurn("conv-desconocida"))
}
