package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to an OpenAI-compatible REST endpoint. Only the two
// capabilities this service consumes are implemented: chat completions
// (streamed, with tool definitions) and embeddings.
type Client struct {
	endpoint       string
	apiKey         string
	chatModel      string
	embeddingModel string
	httpClient     *http.Client
}

// NewClient creates a client for the given endpoint. An empty endpoint
// falls back to the public OpenAI API.
func NewClient(endpoint, apiKey, chatModel, embeddingModel string) *Client {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &Client{
		endpoint:       strings.TrimSuffix(endpoint, "/"),
		apiKey:         apiKey,
		chatModel:      chatModel,
		embeddingModel: embeddingModel,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// ChatMessage is one message of a conversation transcript.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on role "tool" messages
}

// ToolCall is a completed tool invocation request inside an assistant message.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises one callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the declared schema of a callable function.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatCompletionRequest is the request body for /chat/completions.
type ChatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []ChatMessage    `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float32          `json:"temperature,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// EmbeddingRequest is the request body for /embeddings.
type EmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// EmbeddingResponse is the response body for /embeddings.
type EmbeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// ErrorResponse is the API error envelope.
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CreateEmbedding returns the embedding vector for a text.
func (c *Client) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if c.embeddingModel == "" {
		return nil, fmt.Errorf("embedding model is not configured")
	}

	body, err := json.Marshal(EmbeddingRequest{Model: c.embeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode embedding request: %w", err)
	}

	resp, err := c.post(ctx, c.endpoint+"/embeddings", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embedding response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, raw)
	}

	var embeddingResp EmbeddingResponse
	if err := json.Unmarshal(raw, &embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(embeddingResp.Data) == 0 || len(embeddingResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("API returned no embedding data")
	}
	return embeddingResp.Data[0].Embedding, nil
}

// StreamChatCompletion opens a streamed chat completion and returns a
// reader over its server-sent events. The caller owns the stream and
// must Close it.
func (c *Client) StreamChatCompletion(ctx context.Context, messages []ChatMessage, tools []ToolDefinition, maxTokens int, temperature float32) (*Stream, error) {
	request := ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Stream:      true,
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	resp, err := c.post(ctx, c.endpoint+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apiError(resp.StatusCode, raw)
	}

	return newStream(resp.Body), nil
}

// post executes an authenticated JSON POST. Transport-level failures are
// returned as-is so callers can classify them as retryable.
func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("API key is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	return resp, nil
}

func apiError(status int, body []byte) error {
	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return fmt.Errorf("OpenAI API error (status %d): %s", status, errorResp.Error.Message)
	}
	return fmt.Errorf("OpenAI API error (status %d): %s", status, string(body))
}
