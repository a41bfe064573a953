package models

import "fmt"

// ProductRecord is one product of the catalog. Records are immutable
// once loaded; a catalog reload replaces the whole set.
type ProductRecord struct {
	ID           string `json:"id"` // EAN
	Brand        string `json:"brand"`
	Name         string `json:"name"`
	Presentation string `json:"presentation"` // format + size/unit, e.g. "crema 50ml"
	Category     string `json:"category"`
	Benefits     string `json:"benefits"`
	Indications  string `json:"indications"`
	UsageMode    string `json:"usage_mode"`
	Properties   string `json:"properties"`
	Description  string `json:"description"`
	ImageURL     string `json:"image_url,omitempty"`
}

// StoreInventoryRecord is the live stock/price row for one product in
// one store. Refreshed on its own cadence, may lag the catalog briefly.
type StoreInventoryRecord struct {
	ProductID      string  `json:"product_id"`
	StoreID        string  `json:"store_id"`
	Stock          int     `json:"stock"`
	Price          float64 `json:"price"`
	Promotion      string  `json:"promotion"` // "no promo" when none
	PromotionPrice float64 `json:"promotion_price,omitempty"`
}

// OnPromotion reports whether the row carries an active promotion.
func (r StoreInventoryRecord) OnPromotion() bool {
	return r.Promotion != "" && r.Promotion != "no promo"
}

// ScoredID is one entry of a retrieval result.
type ScoredID struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
}

// RetrievalResult is an ordered similarity query result: descending
// score, deduplicated by id, at most topK entries. Scores are only
// comparable within the index that produced them.
type RetrievalResult struct {
	Index   string     `json:"index"`
	Entries []ScoredID `json:"entries"`
}

// IDs returns the ids in ranked order.
func (r RetrievalResult) IDs() []string {
	ids := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		ids[i] = e.ID
	}
	return ids
}

// ToolCallRequest is emitted by the model mid-stream when it wants a
// local function executed. The call id correlates the eventual output.
type ToolCallRequest struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON payload as sent by the model
}

// ToolCallResult is the single outcome of a ToolCallRequest. Either
// Output or Error is set, never both.
type ToolCallResult struct {
	CallID string     `json:"call_id"`
	Output string     `json:"output,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// ToolError is a structured error payload surfaced to the model so the
// conversation can continue after a failed call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Stable error codes.
const (
	CodeValidationError    = "validation_error"
	CodeConfigurationError = "configuration_error"
	CodeNotFound           = "not_found"
	CodeTransportError     = "transport_error"
	CodeCancelled          = "cancelled"
	CodeInternalError      = "internal_error"
)

// AppError is the error type used across services so callers can branch
// on the stable code instead of matching message strings.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// NewAppError builds an AppError with the given stable code.
func NewAppError(code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// RunState is the phase of a conversation run.
type RunState string

const (
	RunStateIdle          RunState = "idle"
	RunStateStreaming     RunState = "streaming"
	RunStateAwaitingTools RunState = "awaiting_tools"
	RunStateCompleted     RunState = "completed"
	RunStateFailed        RunState = "failed"
	RunStateCancelled     RunState = "cancelled"
)

// Terminal reports whether the state ends the run.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// TurnEventType discriminates the events a caller receives from StartTurn.
type TurnEventType string

const (
	TurnEventDelta  TurnEventType = "delta"  // incremental answer text
	TurnEventStatus TurnEventType = "status" // terminal status
)

// TurnEvent is one element of the stream returned to the UI layer.
type TurnEvent struct {
	Type      TurnEventType `json:"type"`
	Delta     string        `json:"delta,omitempty"`
	State     RunState      `json:"state,omitempty"`
	Answer    string        `json:"answer,omitempty"` // full accumulated answer, set on Completed
	ErrorCode string        `json:"error_code,omitempty"`
}

// TurnRequest is the body of POST /api/v1/chat/turn.
type TurnRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	StoreID        string `json:"store_id" binding:"required"`
	Message        string `json:"message" binding:"required"`
}

// CancelRequest is the body of POST /api/v1/chat/cancel.
type CancelRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}
