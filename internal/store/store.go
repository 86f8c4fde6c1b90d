// Package store provides storage backends for SendPipe.
//
// It defines the MessageRepo interface consumed by the scheduler and API
// layers, with in-memory, SQLite, and PostgreSQL implementations.
package store

import (
	"errors"
	"log/slog"
	"time"

	"sendpipe/internal/models"
)

// Error variables for better error handling and testability
var (
	// ErrMessageNotFound indicates no message exists with the given ID.
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidTransition indicates the requested status change is not a
	// legal edge of the message state machine.
	ErrInvalidTransition = errors.New("illegal status transition")
)

// MessageFilter narrows ListMessages results. Zero values mean "no filter".
type MessageFilter struct {
	UserID string
	Status models.MessageStatus
	Limit  int
	Offset int
}

// MessageRepo defines the interface for scheduled message persistence.
type MessageRepo interface {
	// CreateMessage persists a new message with a store-assigned ID,
	// scheduled status, and creation timestamps, returning the stored copy.
	CreateMessage(msg models.Message) (models.Message, error)

	// GetMessage retrieves a message by ID, or ErrMessageNotFound.
	GetMessage(id string) (*models.Message, error)

	// ListMessages returns messages matching the filter, newest first.
	ListMessages(filter MessageFilter) ([]models.Message, error)

	// FindDueMessages returns up to limit scheduled messages whose
	// scheduled_at <= now, oldest due first.
	FindDueMessages(now time.Time, limit int) ([]models.Message, error)

	// UpdateMessageStatus atomically moves a message to the given status,
	// recording detail as last_error. It refuses illegal edges with
	// ErrInvalidTransition and unknown IDs with ErrMessageNotFound.
	UpdateMessageStatus(id string, to models.MessageStatus, detail string) error

	// FailStaleProcessing moves every processing message to
	// failed_worker_error and returns the count (crash recovery).
	FailStaleProcessing(detail string) (int, error)

	// DeleteTerminalBefore removes terminal messages updated before the
	// cutoff and returns the count (retention sweep).
	DeleteTerminalBefore(cutoff time.Time) (int, error)

	// Close releases the underlying storage resources.
	Close() error
}

// NewStore creates a message store from the given options: PostgreSQL when
// the DSN looks like a Postgres connection string, SQLite for file paths,
// and an in-memory store when no DSN is configured.
func NewStore(opts ...Option) (MessageRepo, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Info("NewStore: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	case cfg.Type == DSNTypePostgres || (cfg.Type == "" && DetectDSNType(cfg.DSN) == DSNTypePostgres):
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}
