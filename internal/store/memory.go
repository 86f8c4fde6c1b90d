package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"sendpipe/internal/models"
	"sendpipe/internal/util"
)

// Compile-time check that InMemoryStore implements MessageRepo.
var _ MessageRepo = (*InMemoryStore)(nil)

// InMemoryStore is a mutex-guarded in-memory message store. It backs tests
// and DSN-less deployments; contents do not survive a restart.
type InMemoryStore struct {
	mu       sync.Mutex
	messages map[string]models.Message
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{messages: make(map[string]models.Message)}
}

func (s *InMemoryStore) CreateMessage(msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	msg.ID = util.GenerateMessageID()
	msg.Status = models.MessageStatusScheduled
	msg.LastError = ""
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.messages[msg.ID] = msg
	return msg, nil
}

func (s *InMemoryStore) GetMessage(id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return &msg, nil
}

func (s *InMemoryStore) ListMessages(filter MessageFilter) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var msgs []models.Message
	for _, msg := range s.messages {
		if filter.UserID != "" && msg.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && msg.Status != filter.Status {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(msgs) {
			return nil, nil
		}
		msgs = msgs[filter.Offset:]
	}
	if filter.Limit > 0 && len(msgs) > filter.Limit {
		msgs = msgs[:filter.Limit]
	}
	return msgs, nil
}

func (s *InMemoryStore) FindDueMessages(now time.Time, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Message
	for _, msg := range s.messages {
		if msg.Status == models.MessageStatusScheduled && !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) UpdateMessageStatus(id string, to models.MessageStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if !models.CanTransition(msg.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, msg.Status, to)
	}
	msg.Status = to
	msg.LastError = detail
	msg.UpdatedAt = time.Now()
	s.messages[id] = msg
	return nil
}

func (s *InMemoryStore) FailStaleProcessing(detail string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for id, msg := range s.messages {
		if msg.Status == models.MessageStatusProcessing {
			msg.Status = models.MessageStatusWorkerError
			msg.LastError = detail
			msg.UpdatedAt = now
			s.messages[id] = msg
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) DeleteTerminalBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, msg := range s.messages {
		if models.IsTerminal(msg.Status) && msg.UpdatedAt.Before(cutoff) {
			delete(s.messages, id)
			count++
		}
	}
	return count, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
