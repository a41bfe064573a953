package openai

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// EventType discriminates stream events.
type EventType string

const (
	// EventTextDelta carries an increment of the assistant's answer.
	EventTextDelta EventType = "text_delta"
	// EventToolCalls carries a fully assembled tool-call batch. The
	// model decides the batch size; it is emitted once per streamed
	// response, when the stream finishes with reason "tool_calls".
	EventToolCalls EventType = "tool_calls"
	// EventDone signals the model finished its answer.
	EventDone EventType = "done"
	// EventError signals a transport or protocol fault mid-stream.
	EventError EventType = "error"
)

// StreamEvent is one event decoded from the SSE stream.
type StreamEvent struct {
	Type      EventType
	TextDelta string
	ToolCalls []ToolCall
	Err       error
}

// Stream reads server-sent events from a chat completion response and
// assembles them into typed events. Tool-call fragments arrive spread
// over many chunks keyed by index; they are accumulated and only
// released as a single batch when the stream ends with finish_reason
// "tool_calls", so a consumer never sees a partial batch.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	partial      map[int]*toolCallBuilder
	finishReason string
	done         bool
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// chunk mirrors the wire format of one streamed chat completion chunk.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func newStream(body io.ReadCloser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{
		body:    body,
		scanner: scanner,
		partial: make(map[int]*toolCallBuilder),
	}
}

// Next blocks until the next event is available. After EventDone,
// EventToolCalls or EventError the stream is exhausted.
func (s *Stream) Next() StreamEvent {
	if s.done {
		return StreamEvent{Type: EventError, Err: fmt.Errorf("stream already consumed")}
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return s.finish()
		}

		var ck chunk
		if err := json.Unmarshal([]byte(payload), &ck); err != nil {
			s.done = true
			return StreamEvent{Type: EventError, Err: fmt.Errorf("failed to decode stream chunk: %w", err)}
		}
		if len(ck.Choices) == 0 {
			continue
		}
		choice := ck.Choices[0]

		for _, tc := range choice.Delta.ToolCalls {
			builder, ok := s.partial[tc.Index]
			if !ok {
				builder = &toolCallBuilder{}
				s.partial[tc.Index] = builder
			}
			if tc.ID != "" {
				builder.id = tc.ID
			}
			if tc.Function.Name != "" {
				builder.name = tc.Function.Name
			}
			builder.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}

		if choice.Delta.Content != "" {
			return StreamEvent{Type: EventTextDelta, TextDelta: choice.Delta.Content}
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return StreamEvent{Type: EventError, Err: fmt.Errorf("stream read failed: %w", err)}
	}
	// EOF without [DONE] still terminates the turn; treat like done so
	// the accumulated state is not lost.
	return s.finishLocked()
}

func (s *Stream) finish() StreamEvent {
	s.done = true
	return s.finishLocked()
}

func (s *Stream) finishLocked() StreamEvent {
	if s.finishReason == "tool_calls" && len(s.partial) > 0 {
		indexes := make([]int, 0, len(s.partial))
		for i := range s.partial {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)

		calls := make([]ToolCall, 0, len(indexes))
		for _, i := range indexes {
			b := s.partial[i]
			calls = append(calls, ToolCall{
				ID:   b.id,
				Type: "function",
				Function: FunctionCall{
					Name:      b.name,
					Arguments: b.args.String(),
				},
			})
		}
		return StreamEvent{Type: EventToolCalls, ToolCalls: calls}
	}
	return StreamEvent{Type: EventDone}
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}
