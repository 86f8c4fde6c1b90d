// Package models defines the core data structures for SendPipe.
//
// It includes the scheduled message type, its delivery status state machine,
// session states, and the API response envelope shared across modules.
package models

import (
	"errors"
	"regexp"
	"time"
)

// MessageStatus represents the delivery status of a scheduled message.
type MessageStatus string

const (
	// MessageStatusScheduled indicates the message is waiting for its send time.
	MessageStatusScheduled MessageStatus = "scheduled"
	// MessageStatusProcessing indicates a delivery attempt is in flight.
	MessageStatusProcessing MessageStatus = "processing"
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the delivery attempt was made and rejected.
	MessageStatusFailed MessageStatus = "failed"
	// MessageStatusWorkerError indicates the delivery pipeline itself broke down.
	MessageStatusWorkerError MessageStatus = "failed_worker_error"
	// MessageStatusCanceled indicates the message was canceled before dispatch.
	MessageStatusCanceled MessageStatus = "canceled"
)

// allowedTransitions is the complete set of legal status edges. Statuses are
// monotonic: terminal statuses have no outgoing edges and nothing returns to
// scheduled.
var allowedTransitions = map[MessageStatus][]MessageStatus{
	MessageStatusScheduled:  {MessageStatusProcessing, MessageStatusCanceled},
	MessageStatusProcessing: {MessageStatusSent, MessageStatusFailed, MessageStatusWorkerError},
}

// CanTransition reports whether moving a message from one status to another
// is a legal edge of the status state machine.
func CanTransition(from, to MessageStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionSources returns the statuses from which a legal edge leads to
// the given status. Store backends use it to build conditional updates that
// refuse illegal transitions atomically.
func TransitionSources(to MessageStatus) []MessageStatus {
	var sources []MessageStatus
	for _, from := range []MessageStatus{MessageStatusScheduled, MessageStatusProcessing} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// IsTerminal reports whether the given status admits no further transitions.
func IsTerminal(status MessageStatus) bool {
	switch status {
	case MessageStatusSent, MessageStatusFailed, MessageStatusWorkerError, MessageStatusCanceled:
		return true
	default:
		return false
	}
}

// IsValidMessageStatus checks if the given status is one of the known values.
func IsValidMessageStatus(status MessageStatus) bool {
	switch status {
	case MessageStatusScheduled, MessageStatusProcessing, MessageStatusSent,
		MessageStatusFailed, MessageStatusWorkerError, MessageStatusCanceled:
		return true
	default:
		return false
	}
}

// ParseMessageStatus converts a string (e.g. an API query parameter) into a
// MessageStatus, returning ErrInvalidStatus for unknown values.
func ParseMessageStatus(s string) (MessageStatus, error) {
	status := MessageStatus(s)
	if !IsValidMessageStatus(status) {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// Validation constants for input validation
const (
	// MaxContentLength defines the maximum allowed length for message content
	MaxContentLength = 4096
	// MaxContactNameLength defines the maximum allowed length for contact names
	MaxContactNameLength = 255
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID         = errors.New("user_id cannot be empty")
	ErrEmptyPhone          = errors.New("phone cannot be empty")
	ErrEmptyContent        = errors.New("content is required when no compose spec is given")
	ErrContentTooLong      = errors.New("content exceeds maximum length")
	ErrContactNameTooLong  = errors.New("contact name exceeds maximum length")
	ErrMissingScheduleTime = errors.New("scheduled_at is required")
	ErrMissingSystemPrompt = errors.New("system prompt is required for composed content")
	ErrMissingUserPrompt   = errors.New("user prompt is required for composed content")
	ErrInvalidStatus       = errors.New("invalid message status")
)

// MinPhoneDigits is the minimum number of digits a phone number must contain.
const MinPhoneDigits = 6

// ErrInvalidPhone indicates a phone number with no usable digits.
var ErrInvalidPhone = errors.New("invalid phone number")

var nonDigitRegex = regexp.MustCompile(`\D`)

// CanonicalizePhone strips all non-numeric characters from a phone number
// and validates the result has at least MinPhoneDigits digits.
func CanonicalizePhone(phone string) (string, error) {
	canonical := nonDigitRegex.ReplaceAllString(phone, "")
	if canonical == "" || len(canonical) < MinPhoneDigits {
		return "", ErrInvalidPhone
	}
	return canonical, nil
}

// Message represents a scheduled outbound message and its delivery outcome.
type Message struct {
	ID          string        `json:"id"`
	UserID      string        `json:"user_id"`
	ContactName string        `json:"contact_name,omitempty"`
	Phone       string        `json:"phone"`
	Content     string        `json:"content"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Status      MessageStatus `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ComposeSpec describes LLM-generated content for a schedule request whose
// content field is left empty.
type ComposeSpec struct {
	SystemPrompt string `json:"system_prompt"`
	UserPrompt   string `json:"user_prompt"`
}

// Validate checks that both prompts are present.
func (c *ComposeSpec) Validate() error {
	if c.SystemPrompt == "" {
		return ErrMissingSystemPrompt
	}
	if c.UserPrompt == "" {
		return ErrMissingUserPrompt
	}
	return nil
}

// ScheduleRequest represents the payload for scheduling a message.
type ScheduleRequest struct {
	UserID      string       `json:"user_id"`
	ContactName string       `json:"contact_name,omitempty"`
	Phone       string       `json:"phone"`
	Content     string       `json:"content,omitempty"`
	ScheduledAt time.Time    `json:"scheduled_at"`
	Compose     *ComposeSpec `json:"compose,omitempty"`
}

// Validate performs comprehensive validation on a ScheduleRequest. A request
// that fails validation must never reach the scheduled state.
func (r *ScheduleRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if r.Phone == "" {
		return ErrEmptyPhone
	}
	if len(r.ContactName) > MaxContactNameLength {
		return ErrContactNameTooLong
	}
	if r.ScheduledAt.IsZero() {
		return ErrMissingScheduleTime
	}

	if r.Content == "" {
		if r.Compose == nil {
			return ErrEmptyContent
		}
		return r.Compose.Validate()
	}
	if len(r.Content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// SessionState represents the lifecycle state of a per-user delivery session.
type SessionState string

const (
	// SessionStateUninitialized indicates no session exists for the user yet.
	SessionStateUninitialized SessionState = "uninitialized"
	// SessionStateAwaitingLinking indicates the session is waiting for the
	// user to complete device linking.
	SessionStateAwaitingLinking SessionState = "awaiting_linking"
	// SessionStateReady indicates the session is linked and usable.
	SessionStateReady SessionState = "ready"
	// SessionStateClosed indicates the session was administratively revoked.
	SessionStateClosed SessionState = "closed"
)

// SessionInfo is the externally visible view of a user's session.
type SessionInfo struct {
	UserID    string       `json:"user_id"`
	State     SessionState `json:"state"`
	QRPath    string       `json:"qr_path,omitempty"` // set while awaiting linking
	UpdatedAt time.Time    `json:"updated_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in scheduled content.
	APIStatusScheduled APIStatus = "scheduled"
)

// API Response types for consistent JSON responses

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Convenience functions for common response patterns

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Scheduled creates a scheduled API response with the created message.
func Scheduled(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusScheduled).
		WithResult(result).
		Build()
}
