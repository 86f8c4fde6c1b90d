// Package store provides storage backends for SendPipe.
//
// This file implements the SQLite-backed message store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"sendpipe/internal/models"
	"sendpipe/internal/util"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements MessageRepo.
var _ MessageRepo = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	slog.Debug("SQLite database opened")

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateMessage(msg models.Message) (models.Message, error) {
	now := time.Now()
	msg.ID = util.GenerateMessageID()
	msg.Status = models.MessageStatusScheduled
	msg.LastError = ""
	msg.CreatedAt = now
	msg.UpdatedAt = now

	_, err := s.db.Exec(
		`INSERT INTO messages (id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		msg.ID, msg.UserID, nilIfEmpty(msg.ContactName), msg.Phone, msg.Content, msg.ScheduledAt, msg.Status, msg.CreatedAt, msg.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.CreateMessage failed", "error", err, "userID", msg.UserID)
		return models.Message{}, fmt.Errorf("create message failed: %w", err)
	}
	slog.Debug("SQLiteStore.CreateMessage succeeded", "id", msg.ID, "userID", msg.UserID, "scheduledAt", msg.ScheduledAt)
	return msg, nil
}

func (s *SQLiteStore) GetMessage(id string) (*models.Message, error) {
	row := s.db.QueryRow(
		`SELECT id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at
		 FROM messages WHERE id = ?`, id,
	)
	msg, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore.GetMessage failed", "error", err, "id", id)
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &msg, nil
}

func (s *SQLiteStore) ListMessages(filter MessageFilter) ([]models.Message, error) {
	query := `SELECT id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at FROM messages`
	var conds []string
	var args []interface{}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore.ListMessages query failed", "error", err)
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

func (s *SQLiteStore) FindDueMessages(now time.Time, limit int) ([]models.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, contact_name, phone, content, scheduled_at, status, last_error, created_at, updated_at
		 FROM messages WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC LIMIT ?`,
		models.MessageStatusScheduled, now, limit,
	)
	if err != nil {
		slog.Error("SQLiteStore.FindDueMessages query failed", "error", err)
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

func (s *SQLiteStore) UpdateMessageStatus(id string, to models.MessageStatus, detail string) error {
	sources := models.TransitionSources(to)
	if len(sources) == 0 {
		return fmt.Errorf("%w: no legal edge to %s", ErrInvalidTransition, to)
	}

	placeholders := make([]string, len(sources))
	args := []interface{}{to, nilIfEmpty(detail), time.Now(), id}
	for i, src := range sources {
		placeholders[i] = "?"
		args = append(args, src)
	}

	result, err := s.db.Exec(
		`UPDATE messages SET status = ?, last_error = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...,
	)
	if err != nil {
		slog.Error("SQLiteStore.UpdateMessageStatus failed", "error", err, "id", id, "to", to)
		return fmt.Errorf("update message status failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message status rows affected failed: %w", err)
	}
	if n == 0 {
		var current models.MessageStatus
		err := s.db.QueryRow(`SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("update message status lookup failed: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}
	slog.Debug("SQLiteStore.UpdateMessageStatus succeeded", "id", id, "to", to)
	return nil
}

func (s *SQLiteStore) FailStaleProcessing(detail string) (int, error) {
	result, err := s.db.Exec(
		`UPDATE messages SET status = ?, last_error = ?, updated_at = ? WHERE status = ?`,
		models.MessageStatusWorkerError, nilIfEmpty(detail), time.Now(), models.MessageStatusProcessing,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale processing failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.FailStaleProcessing", "failed", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM messages WHERE updated_at < ? AND status IN (?, ?, ?, ?)`,
		cutoff, models.MessageStatusSent, models.MessageStatusFailed, models.MessageStatusWorkerError, models.MessageStatusCanceled,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.DeleteTerminalBefore", "deleted", n, "cutoff", cutoff)
	}
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
