package store

import (
	"database/sql"
	"fmt"

	"sendpipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanMessage scans a Message from sql.Rows.
func scanMessage(rows *sql.Rows) (models.Message, error) {
	var msg models.Message
	var contactName, lastError sql.NullString
	err := rows.Scan(
		&msg.ID, &msg.UserID, &contactName, &msg.Phone, &msg.Content,
		&msg.ScheduledAt, &msg.Status, &lastError, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return msg, fmt.Errorf("scan message failed: %w", err)
	}
	msg.ContactName = contactName.String
	msg.LastError = lastError.String
	return msg, nil
}

// scanMessageRow scans a Message from a single sql.Row.
func scanMessageRow(row *sql.Row) (models.Message, error) {
	var msg models.Message
	var contactName, lastError sql.NullString
	err := row.Scan(
		&msg.ID, &msg.UserID, &contactName, &msg.Phone, &msg.Content,
		&msg.ScheduledAt, &msg.Status, &lastError, &msg.CreatedAt, &msg.UpdatedAt,
	)
	if err != nil {
		return msg, err
	}
	msg.ContactName = contactName.String
	msg.LastError = lastError.String
	return msg, nil
}
