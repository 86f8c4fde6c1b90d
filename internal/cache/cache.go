// Package cache mirrors message delivery outcomes for fast status reads.
package cache

import (
	"context"
	"errors"

	"sendpipe/internal/models"
)

// ErrCacheMiss indicates the id has no cached entry.
var ErrCacheMiss = errors.New("cache miss")

// MessageCache holds message snapshots keyed by id. Entries expire; the
// store remains authoritative and callers fall back to it on a miss.
type MessageCache interface {
	StoreMessage(ctx context.Context, msg models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
}
