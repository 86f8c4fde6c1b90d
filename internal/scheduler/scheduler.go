// Package scheduler drives delivery of due messages for SendPipe.
//
// A fixed-interval poll loop claims due messages from the store and hands
// each to a delivery worker on its own goroutine, bounded by a configurable
// in-flight limit. An in-flight set keyed by message id guarantees at most
// one delivery attempt per message at a time, and every dispatched message
// is resolved to a terminal status even when the worker fails or panics.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sendpipe/internal/cache"
	"sendpipe/internal/delivery"
	"sendpipe/internal/models"
	"sendpipe/internal/store"
)

const (
	// DefaultPollInterval is how often the loop looks for due messages.
	DefaultPollInterval = 10 * time.Second
	// DefaultMaxInFlight bounds concurrent delivery dispatches.
	DefaultMaxInFlight = 8
	// DefaultDeliveryTimeout bounds a single delivery attempt. A timeout of
	// zero disables the bound and preserves single-attempt, unbounded-wait
	// delivery.
	DefaultDeliveryTimeout = 2 * time.Minute

	// staleDetail is recorded on messages found mid-delivery at startup.
	staleDetail = "delivery interrupted by restart"
)

// Opts holds configuration options for the scheduler.
type Opts struct {
	PollInterval    time.Duration
	MaxInFlight     int
	DeliveryTimeout time.Duration
	InFlight        InFlightSet
	Cache           cache.MessageCache
}

// Option defines a configuration option for the scheduler.
type Option func(*Opts)

// WithPollInterval overrides how often due messages are polled for.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithMaxInFlight bounds the number of concurrent delivery dispatches.
func WithMaxInFlight(n int) Option {
	return func(o *Opts) {
		o.MaxInFlight = n
	}
}

// WithDeliveryTimeout bounds a single delivery attempt. Zero disables the
// bound.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.DeliveryTimeout = d
	}
}

// WithInFlightSet injects the in-flight set, mainly so tests can observe it.
func WithInFlightSet(set InFlightSet) Option {
	return func(o *Opts) {
		o.InFlight = set
	}
}

// WithOutcomeCache mirrors resolved messages into the given cache so status
// reads can skip the store. Mirroring is best effort.
func WithOutcomeCache(c cache.MessageCache) Option {
	return func(o *Opts) {
		o.Cache = c
	}
}

// Status is a point-in-time snapshot of the scheduler for operational
// endpoints.
type Status struct {
	Running      bool   `json:"running"`
	InFlight     int    `json:"in_flight"`
	MaxInFlight  int    `json:"max_in_flight"`
	PollInterval string `json:"poll_interval"`
}

// Scheduler polls the store for due messages and dispatches deliveries.
type Scheduler struct {
	repo   store.MessageRepo
	worker delivery.Worker

	interval        time.Duration
	maxInFlight     int
	deliveryTimeout time.Duration

	inflight InFlightSet
	cache    cache.MessageCache

	// slots is a counting semaphore holding one token per free dispatch.
	slots chan struct{}
	// wake nudges the loop to poll ahead of the next tick.
	wake chan struct{}

	running    atomic.Bool
	dispatches sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler over the given store and delivery worker.
func New(repo store.MessageRepo, worker delivery.Worker, opts ...Option) (*Scheduler, error) {
	if repo == nil {
		return nil, errors.New("repo must not be nil")
	}
	if worker == nil {
		return nil, errors.New("worker must not be nil")
	}

	cfg := Opts{
		PollInterval:    DefaultPollInterval,
		MaxInFlight:     DefaultMaxInFlight,
		DeliveryTimeout: DefaultDeliveryTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval < 0 {
		return nil, errors.New("poll interval must be > 0")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.DeliveryTimeout < 0 {
		cfg.DeliveryTimeout = 0
	}
	if cfg.InFlight == nil {
		cfg.InFlight = NewInFlightSet()
	}

	slots := make(chan struct{}, cfg.MaxInFlight)
	for i := 0; i < cfg.MaxInFlight; i++ {
		slots <- struct{}{}
	}

	return &Scheduler{
		repo:            repo,
		worker:          worker,
		interval:        cfg.PollInterval,
		maxInFlight:     cfg.MaxInFlight,
		deliveryTimeout: cfg.DeliveryTimeout,
		inflight:        cfg.InFlight,
		cache:           cfg.Cache,
		slots:           slots,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}, nil
}

// Start launches the poll loop. It reports false if the scheduler is already
// running. Messages found still mid-delivery from a previous run are failed
// before polling begins, since no dispatch can be alive for them anymore.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	if n, err := s.repo.FailStaleProcessing(staleDetail); err != nil {
		slog.Error("Scheduler.Start: failed to sweep stale deliveries", "error", err)
	} else if n > 0 {
		slog.Warn("Scheduler.Start: failed stale in-progress deliveries", "count", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		slog.Info("Scheduler started", "interval", s.interval.String(), "maxInFlight", s.maxInFlight)

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				slog.Info("Scheduler stopping")
				return
			case <-ticker.C:
				s.safeTick(ctx)
			case <-s.wake:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop halts polling and waits for in-flight dispatches to resolve. It
// reports false if the scheduler is not running. Dispatches are not aborted;
// each runs to its own completion or delivery timeout.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.dispatches.Wait()
	s.running.Store(false)

	slog.Info("Scheduler stopped")
	return true
}

// IsRunning reports whether the poll loop is active.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Status returns an operational snapshot.
func (s *Scheduler) Status() Status {
	return Status{
		Running:      s.running.Load(),
		InFlight:     s.inflight.Len(),
		MaxInFlight:  s.maxInFlight,
		PollInterval: s.interval.String(),
	}
}

// Schedule notifies the scheduler that a new message was persisted. The next
// tick would pick it up regardless; this only nudges the loop so a message
// that is already due does not wait out the poll interval.
func (s *Scheduler) Schedule(msg models.Message) {
	select {
	case s.wake <- struct{}{}:
	default:
	}
	slog.Debug("Scheduler.Schedule: wake requested", "messageID", msg.ID, "scheduledAt", msg.ScheduledAt)
}

// Cancel removes the id from the in-flight set unconditionally. It is
// advisory cleanup for callers that already canceled the message in the
// store; an attempt already under way is not aborted.
func (s *Scheduler) Cancel(id string) {
	s.inflight.Remove(id)
	slog.Debug("Scheduler.Cancel: in-flight marker cleared", "messageID", id)
}

// safeTick runs one tick, recovering panics so the loop survives.
func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tick(ctx)
	slog.Debug("Scheduler tick completed", "duration_ms", time.Since(start).Milliseconds())
}

// tick claims due messages and dispatches them. Claiming is two-step: the
// in-flight marker is set first, then the store transition to processing;
// only a message that passes both is dispatched. Messages that lose the
// store transition (a cancel won the race, typically) are skipped and their
// marker is rolled back.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.repo.FindDueMessages(now, s.maxInFlight)
	if err != nil {
		slog.Error("Scheduler.tick: failed to query due messages", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	slog.Debug("Scheduler.tick: due messages found", "count", len(due))

	for _, msg := range due {
		if ctx.Err() != nil {
			return
		}

		select {
		case <-s.slots:
		default:
			slog.Debug("Scheduler.tick: delivery slots exhausted", "in_flight", s.inflight.Len())
			return
		}

		if !s.inflight.Add(msg.ID) {
			s.slots <- struct{}{}
			continue
		}

		if err := s.repo.UpdateMessageStatus(msg.ID, models.MessageStatusProcessing, ""); err != nil {
			s.inflight.Remove(msg.ID)
			s.slots <- struct{}{}
			slog.Debug("Scheduler.tick: message no longer claimable", "messageID", msg.ID, "error", err)
			continue
		}

		s.dispatches.Add(1)
		go s.dispatch(msg)
	}
}

// dispatch runs one delivery attempt and records its outcome. The attempt is
// deliberately detached from the poll loop's context so stopping the
// scheduler never aborts a send already under way.
func (s *Scheduler) dispatch(msg models.Message) {
	defer s.dispatches.Done()
	defer func() { s.slots <- struct{}{} }()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.dispatch: panic recovered", "messageID", msg.ID, "panic", r)
			s.resolve(msg.ID, models.MessageStatusWorkerError, fmt.Sprintf("delivery panic: %v", r))
		}
	}()

	ctx := context.Background()
	if s.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deliveryTimeout)
		defer cancel()
	}

	slog.Debug("Scheduler.dispatch: delivering", "messageID", msg.ID, "userID", msg.UserID)
	err := s.worker.Deliver(ctx, msg)

	var werr *delivery.WorkerError
	switch {
	case err == nil:
		s.resolve(msg.ID, models.MessageStatusSent, "")
	case errors.As(err, &werr):
		slog.Error("Scheduler.dispatch: worker error", "messageID", msg.ID, "error", err)
		s.resolve(msg.ID, models.MessageStatusWorkerError, err.Error())
	default:
		slog.Warn("Scheduler.dispatch: delivery failed", "messageID", msg.ID, "error", err)
		s.resolve(msg.ID, models.MessageStatusFailed, err.Error())
	}
}

// resolve writes the terminal status and only then clears the in-flight
// marker, so no observer can see a dispatched message without its marker.
// When a cache is configured the resolved message is mirrored to it, best
// effort.
func (s *Scheduler) resolve(id string, status models.MessageStatus, detail string) {
	if err := s.repo.UpdateMessageStatus(id, status, detail); err != nil {
		slog.Error("Scheduler.resolve: failed to record outcome", "messageID", id, "status", status, "error", err)
	}
	s.inflight.Remove(id)
	slog.Debug("Scheduler.resolve: message resolved", "messageID", id, "status", status)

	if s.cache != nil {
		s.mirror(id)
	}
}

// mirror copies the stored message into the outcome cache.
func (s *Scheduler) mirror(id string) {
	msg, err := s.repo.GetMessage(id)
	if err != nil {
		slog.Debug("Scheduler.mirror: failed to load message", "messageID", id, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.StoreMessage(ctx, *msg); err != nil {
		slog.Debug("Scheduler.mirror: failed to cache outcome", "messageID", id, "error", err)
	}
}
