// Package store provides storage backends for SendPipe.
//
// This file implements the PostgreSQL-backed message store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"sendpipe/internal/models"
	"sendpipe/internal/util"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements MessageRepo.
var _ MessageRepo = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	// Run migrations to ensure the messages table exists
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateMessage(msg models.Message) (models.Message, error) {
	now := time.Now()
	msg.ID = util.GenerateMessageID()
	msg.Status = models.MessageStatusScheduled
	msg.LastError = ""
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO messages (id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, $8, $9)`,
		msg.ID, msg.UserID, nilIfEmpty(msg.ContactName), msg.Phone, msg.Content, msg.ScheduledAt, msg.Status, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore.CreateMessage failed", "error", err, "userID", msg.UserID)
		return models.Message{}, fmt.Errorf("create message failed: %w", err)
	}
	slog.Debug("PostgresStore.CreateMessage succeeded", "id", msg.ID, "userID", msg.UserID, "scheduledAt", msg.ScheduledAt)
	return msg, nil
}

func (s *PostgresStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at
		 FROM messages WHERE id = $1`, id,
	)
	msg, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		slog.Error("PostgresStore.GetMessage failed", "error", err, "id", id)
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &msg, nil
}

func (s *PostgresStore) ListMessages(filter MessageFilter) ([]models.Message, error) {
	query := `SELECT id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at FROM messages`
	var conds []string
	var args []interface{}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
		if filter.Offset > 0 {
			args = append(args, filter.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore.ListMessages query failed", "error", err)
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) FindDueMessages(now time.Time, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at
		 FROM messages WHERE status = $1 AND scheduled_at <= $2
		 ORDER BY scheduled_at ASC LIMIT $3`,
		models.MessageStatusScheduled, now, limit,
	)
	if err != nil {
		slog.Error("PostgresStore.FindDueMessages query failed", "error", err)
		return nil, fmt.Errorf("find due messages failed: %w", err)
	}
	defer rows.Close()

	var due []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("find due iteration failed: %w", err)
	}
	return due, nil
}

func (s *PostgresStore) UpdateMessageStatus(id string, to models.MessageStatus, detail string) error {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return fmt.Errorf("%w: no legal edge to %s", ErrInvalidTransition, to)
	}

	args := []interface{}{to, nilIfEmpty(detail), time.Now(), id}
	placeholders := make([]string, len(sources))
	for i, src := range sources {
		args = append(args, src)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	result, err := s.db.Exec(
		`UPDATE messages SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4 AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		slog.Error("PostgresStore.UpdateMessageStatus failed", "error", err, "id", id, "to", to)
		return fmt.Errorf("update message status failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message status rows affected failed: %w", err)
	}
	if n == 0 {
		var current models.MessageStatus
		err := s.db.QueryRow(`SELECT status FROM messages WHERE id = $1`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("update message status lookup failed: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	slog.Debug("PostgresStore.UpdateMessageStatus succeeded", "id", id, "to", to)
	return nil
}

func (s *PostgresStore) FailStaleProcessing(detail string) (int, error) {
	result, err := s.db.Exec(
		`UPDATE messages SET status = $1, last_error = $2, updated_at = $3 WHERE status = $4`,
		models.MessageStatusWorkerError, nilIfEmpty(detail), time.Now(), models.MessageStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale processing failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.FailStaleProcessing", "failed", n)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM messages WHERE updated_at < $1 AND status IN ($2, $3, $4, $5)`,
		cutoff, models.MessageStatusSent, models.MessageStatusFailed, models.MessageStatusWorkerError, models.MessageStatusCanceled,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.DeleteTerminalBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	} else {
		slog.Debug("Postgres database connection closed successfully")
	}
	return err
}
