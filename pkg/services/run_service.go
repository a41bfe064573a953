package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"farma-chat-api/pkg/models"
	"farma-chat-api/pkg/openai"
)

// FailedTurnMessage is what a caller shows when a run exhausts its
// retries. Partial text already streamed is not retracted here; the UI
// layer decides what to do with it.
const FailedTurnMessage = "Disculpá, tuve un problema para responder. ¿Podés intentar de nuevo en un momento?"

// ModelStream is one streamed model response.
type ModelStream interface {
	Next() openai.StreamEvent
	Close() error
}

// ModelStreamer opens streamed chat completions. Satisfied by the
// OpenAI client through a thin adapter; tests script their own.
type ModelStreamer interface {
	StreamChatCompletion(ctx context.Context, messages []openai.ChatMessage, tools []openai.ToolDefinition, maxTokens int, temperature float32) (ModelStream, error)
}

// OpenAIStreamer adapts *openai.Client to ModelStreamer.
type OpenAIStreamer struct {
	Client *openai.Client
}

func (a OpenAIStreamer) StreamChatCompletion(ctx context.Context, messages []openai.ChatMessage, tools []openai.ToolDefinition, maxTokens int, temperature float32) (ModelStream, error) {
	return a.Client.StreamChatCompletion(ctx, messages, tools, maxTokens, temperature)
}

// Retry policy for transient transport faults while opening a stream or
// before it has produced output. Tool dispatch failures are never
// retried; the model sees the error and decides.
const (
	maxStreamAttempts = 3
	retryBackoffBase  = 500 * time.Millisecond
)

// ErrTurnActive is returned when a second turn is started for a
// conversation that still has one running. Turns are strictly
// serialized per conversation.
var ErrTurnActive = fmt.Errorf("a turn is already active for this conversation")

// RunService drives conversation runs: it streams model output, pauses
// on tool-call batches, dispatches them through the registry, resumes
// the stream with the outputs and finalizes the turn.
type RunService struct {
	model        ModelStreamer
	registry     *ToolRegistry
	systemPrompt string
	maxTokens    int

	mu            sync.Mutex
	conversations map[string]*conversation
}

// conversation is the transcript plus the serialization state for one
// conversation id. The transcript only grows on completed turns.
type conversation struct {
	history []openai.ChatMessage
	active  bool
	cancel  context.CancelFunc
}

// NewRunService creates the run driver.
func NewRunService(model ModelStreamer, registry *ToolRegistry, systemPrompt string, maxTokens int) *RunService {
	return &RunService{
		model:         model,
		registry:      registry,
		systemPrompt:  systemPrompt,
		maxTokens:     maxTokens,
		conversations: map[string]*conversation{},
	}
}

// StartTurn begins one conversational turn and returns the event stream
// for it: text deltas followed by exactly one terminal status event,
// after which the channel closes. Returns ErrTurnActive if the
// conversation already has a running turn.
func (s *RunService) StartTurn(ctx context.Context, conversationID, storeID, userMessage string) (<-chan models.TurnEvent, error) {
	s.mu.Lock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		conv = &conversation{}
		s.conversations[conversationID] = conv
	}
	if conv.active {
		s.mu.Unlock()
		return nil, ErrTurnActive
	}
	runCtx, cancel := context.WithCancel(ctx)
	conv.active = true
	conv.cancel = cancel
	history := make([]openai.ChatMessage, len(conv.history))
	copy(history, conv.history)
	s.mu.Unlock()

	events := make(chan models.TurnEvent, 64)
	go s.runTurn(runCtx, cancel, conversationID, storeID, userMessage, history, events)
	return events, nil
}

// CancelTurn requests cooperative cancellation of the active turn, if
// any. The run observes it at its next suspension point.
func (s *RunService) CancelTurn(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok || !conv.active || conv.cancel == nil {
		return false
	}
	conv.cancel()
	return true
}

// runTurn is the state machine loop for one turn.
//
//	Idle → Streaming → AwaitingTools → Streaming → ... → Completed
//
// with Failed on transport exhaustion and Cancelled at any suspension
// point. All model events arrive over a channel so every wait is a
// blocking receive that can also observe cancellation.
func (s *RunService) runTurn(ctx context.Context, cancel context.CancelFunc, conversationID, storeID, userMessage string, history []openai.ChatMessage, events chan<- models.TurnEvent) {
	defer close(events)
	defer cancel()
	defer s.finishTurn(conversationID)

	toolCtx := WithStoreID(ctx, storeID)

	messages := make([]openai.ChatMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatMessage{Role: "system", Content: s.systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, openai.ChatMessage{Role: "user", Content: userMessage})

	tools := s.registry.Definitions()

	var answer strings.Builder
	attempts := 0

	for {
		// Streaming: open (or reopen) the model stream. Transient
		// transport faults before any output are retried with backoff.
		stream, err := s.openStream(ctx, messages, tools, &attempts)
		if err != nil {
			s.emitTerminal(ctx, events, answer.String(), err)
			return
		}

		outcome := s.consumeStream(ctx, stream, events, &answer)
		stream.Close()

		switch outcome.kind {
		case streamDone:
			// Completed: commit the exchange to the transcript.
			s.commit(conversationID, userMessage, answer.String())
			events <- models.TurnEvent{
				Type:   models.TurnEventStatus,
				State:  models.RunStateCompleted,
				Answer: answer.String(),
			}
			return

		case streamToolCalls:
			// AwaitingTools: resolve the whole batch, then resume.
			requests := toolRequests(outcome.toolCalls)
			if ctx.Err() != nil {
				s.emitCancelled(events)
				return
			}
			results := s.dispatchBatch(toolCtx, requests)
			if ctx.Err() != nil {
				// In-flight dispatches were allowed to finish; their
				// results are discarded.
				s.emitCancelled(events)
				return
			}
			messages = append(messages, assistantToolCallMessage(outcome.toolCalls))
			messages = append(messages, toolResultMessages(results)...)
			// Back to Streaming with a fresh resumption request.

		case streamCancelled:
			s.emitCancelled(events)
			return

		case streamFailed:
			if outcome.retryable && attempts < maxStreamAttempts {
				// Awaiting-stream fault with budget left: back off and
				// reopen.
				if !s.backoff(ctx, attempts) {
					s.emitCancelled(events)
					return
				}
				continue
			}
			s.emitTerminal(ctx, events, answer.String(), outcome.err)
			return
		}
	}
}

// streamOutcomeKind is how one streaming session ended.
type streamOutcomeKind int

const (
	streamDone streamOutcomeKind = iota
	streamToolCalls
	streamCancelled
	streamFailed
)

type streamOutcome struct {
	kind      streamOutcomeKind
	toolCalls []openai.ToolCall
	err       error
	retryable bool
}

// consumeStream pumps one streaming session. Events are forwarded to a
// channel by a reader goroutine so the state machine can block on
// either the next event or cancellation.
func (s *RunService) consumeStream(ctx context.Context, stream ModelStream, events chan<- models.TurnEvent, answer *strings.Builder) streamOutcome {
	modelEvents := make(chan openai.StreamEvent)
	go func() {
		defer close(modelEvents)
		for {
			ev := stream.Next()
			select {
			case modelEvents <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Type != openai.EventTextDelta {
				return
			}
		}
	}()

	produced := false
	for {
		select {
		case <-ctx.Done():
			return streamOutcome{kind: streamCancelled}
		case ev, ok := <-modelEvents:
			if !ok {
				return streamOutcome{kind: streamFailed, err: fmt.Errorf("model stream ended unexpectedly"), retryable: !produced}
			}
			switch ev.Type {
			case openai.EventTextDelta:
				produced = true
				answer.WriteString(ev.TextDelta)
				events <- models.TurnEvent{Type: models.TurnEventDelta, Delta: ev.TextDelta}
			case openai.EventToolCalls:
				return streamOutcome{kind: streamToolCalls, toolCalls: ev.ToolCalls}
			case openai.EventDone:
				return streamOutcome{kind: streamDone}
			case openai.EventError:
				// Retry only when this session produced no output yet;
				// replaying after visible text would duplicate it.
				return streamOutcome{kind: streamFailed, err: ev.Err, retryable: !produced}
			}
		}
	}
}

// openStream opens a streamed completion, retrying transient failures
// with bounded exponential backoff.
func (s *RunService) openStream(ctx context.Context, messages []openai.ChatMessage, tools []openai.ToolDefinition, attempts *int) (ModelStream, error) {
	for {
		if ctx.Err() != nil {
			return nil, models.NewAppError(models.CodeCancelled, "turn cancelled", ctx.Err())
		}
		*attempts++
		stream, err := s.model.StreamChatCompletion(ctx, messages, tools, s.maxTokens, 0.7)
		if err == nil {
			return stream, nil
		}
		log.Printf("model stream open failed (attempt %d/%d): %v", *attempts, maxStreamAttempts, err)
		if *attempts >= maxStreamAttempts {
			return nil, models.NewAppError(models.CodeTransportError, "model service unavailable", err)
		}
		if !s.backoff(ctx, *attempts) {
			return nil, models.NewAppError(models.CodeCancelled, "turn cancelled", ctx.Err())
		}
	}
}

// backoff sleeps the exponential delay for the given attempt number.
// Returns false if cancelled while waiting.
func (s *RunService) backoff(ctx context.Context, attempt int) bool {
	delay := retryBackoffBase << (attempt - 1)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatchBatch resolves every request of a batch through the registry.
// Order within the batch is unspecified (handlers are independent);
// each call runs in its own goroutine and every request gets exactly
// one result, faults included.
func (s *RunService) dispatchBatch(ctx context.Context, requests []models.ToolCallRequest) []models.ToolCallResult {
	results := make([]models.ToolCallResult, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req models.ToolCallRequest) {
			defer wg.Done()
			results[i] = s.registry.Dispatch(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results
}

func toolRequests(calls []openai.ToolCall) []models.ToolCallRequest {
	requests := make([]models.ToolCallRequest, len(calls))
	for i, call := range calls {
		requests[i] = models.ToolCallRequest{
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		}
	}
	return requests
}

// assistantToolCallMessage is the assistant turn that requested the
// batch; the API requires it to precede the tool outputs.
func assistantToolCallMessage(calls []openai.ToolCall) openai.ChatMessage {
	return openai.ChatMessage{Role: "assistant", ToolCalls: calls}
}

// toolResultMessages encodes the batch results as tool messages. Error
// results are surfaced to the model as readable payloads so the
// conversation continues.
func toolResultMessages(results []models.ToolCallResult) []openai.ChatMessage {
	messages := make([]openai.ChatMessage, len(results))
	for i, result := range results {
		content := result.Output
		if result.Error != nil {
			content = fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, result.Error.Code, result.Error.Message)
		}
		messages[i] = openai.ChatMessage{
			Role:       "tool",
			ToolCallID: result.CallID,
			Content:    content,
		}
	}
	return messages
}

func (s *RunService) emitCancelled(events chan<- models.TurnEvent) {
	events <- models.TurnEvent{
		Type:      models.TurnEventStatus,
		State:     models.RunStateCancelled,
		ErrorCode: models.CodeCancelled,
	}
}

// emitTerminal emits the Failed (or Cancelled) status for an error exit.
// The partial answer is kept for diagnostics but never presented as the
// final answer.
func (s *RunService) emitTerminal(ctx context.Context, events chan<- models.TurnEvent, partial string, err error) {
	if ctx.Err() != nil {
		s.emitCancelled(events)
		return
	}
	code := models.CodeTransportError
	if appErr, ok := err.(*models.AppError); ok {
		code = appErr.Code
	}
	if partial != "" {
		log.Printf("turn failed with %d bytes of partial output discarded: %v", len(partial), err)
	} else {
		log.Printf("turn failed: %v", err)
	}
	events <- models.TurnEvent{
		Type:      models.TurnEventStatus,
		State:     models.RunStateFailed,
		Answer:    FailedTurnMessage,
		ErrorCode: code,
	}
}

// commit appends a completed exchange to the conversation transcript.
func (s *RunService) commit(conversationID, userMessage, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return
	}
	conv.history = append(conv.history,
		openai.ChatMessage{Role: "user", Content: userMessage},
		openai.ChatMessage{Role: "assistant", Content: answer},
	)
}

// finishTurn releases the per-conversation serialization slot.
func (s *RunService) finishTurn(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[conversationID]; ok {
		conv.active = false
		conv.cancel = nil
	}
}
