// Package delivery sends scheduled messages over a WhatsApp transport.
//
// A worker makes exactly one delivery attempt per message. Failures of the
// delivery machinery itself (session acquisition, pairing timeouts, delivery
// deadlines) are reported as *WorkerError so callers can tell them apart from
// a definitive downstream rejection.
package delivery

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"sendpipe/internal/models"
	"sendpipe/internal/session"
	"sendpipe/internal/twilio"
)

// Worker performs a single delivery attempt for a message.
//
// A nil return means the message was handed to the transport. A *WorkerError
// means the attempt never reached a definitive outcome; any other error is a
// handled delivery failure.
type Worker interface {
	Deliver(ctx context.Context, msg models.Message) error
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc func(ctx context.Context, msg models.Message) error

// Deliver calls f.
func (f WorkerFunc) Deliver(ctx context.Context, msg models.Message) error {
	return f(ctx, msg)
}

// WorkerError marks a failure of the delivery machinery rather than a
// downstream rejection of the message.
type WorkerError struct {
	Err error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker error: %v", e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Opts holds configuration options for delivery workers.
type Opts struct {
	Limiter *rate.Limiter // optional outbound rate limit shared by all sends
}

// Option defines a configuration option for delivery workers.
type Option func(*Opts)

// WithRateLimiter gates every send on the given limiter.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(o *Opts) {
		o.Limiter = l
	}
}

// SessionWorker delivers messages over the sender's own linked WhatsApp
// session, acquiring it from the session pool for the duration of the send.
type SessionWorker struct {
	sessions *session.Manager
	limiter  *rate.Limiter
}

// Compile-time check that SessionWorker implements Worker.
var _ Worker = (*SessionWorker)(nil)

// NewSessionWorker creates a worker that delivers through the session pool.
func NewSessionWorker(sessions *session.Manager, opts ...Option) *SessionWorker {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &SessionWorker{sessions: sessions, limiter: cfg.Limiter}
}

// Deliver sends the message over the owning user's session. Waiting for the
// session includes the pairing flow when the user has not linked a device
// yet, so a single attempt can legitimately take minutes.
func (w *SessionWorker) Deliver(ctx context.Context, msg models.Message) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return &WorkerError{Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	sess, err := w.sessions.Acquire(ctx, msg.UserID)
	if err != nil {
		return &WorkerError{Err: fmt.Errorf("acquire session: %w", err)}
	}
	defer sess.Release()

	if err := sess.Device().SendMessage(ctx, msg.Phone, msg.Content); err != nil {
		if ctx.Err() != nil {
			return &WorkerError{Err: fmt.Errorf("send aborted: %w", err)}
		}
		return fmt.Errorf("send to %s: %w", msg.Phone, err)
	}
	return nil
}

// TwilioWorker delivers messages through the Twilio API using one hosted
// sender number for all users.
type TwilioWorker struct {
	sender  twilio.Sender
	limiter *rate.Limiter
}

// Compile-time check that TwilioWorker implements Worker.
var _ Worker = (*TwilioWorker)(nil)

// NewTwilioWorker creates a worker that delivers through Twilio.
func NewTwilioWorker(sender twilio.Sender, opts ...Option) *TwilioWorker {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TwilioWorker{sender: sender, limiter: cfg.Limiter}
}

// Deliver sends the message through the Twilio API.
func (w *TwilioWorker) Deliver(ctx context.Context, msg models.Message) error {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return &WorkerError{Err: fmt.Errorf("rate limit wait: %w", err)}
		}
	}

	if err := w.sender.SendMessage(ctx, msg.Phone, msg.Content); err != nil {
		if ctx.Err() != nil {
			return &WorkerError{Err: fmt.Errorf("send aborted: %w", err)}
		}
		return fmt.Errorf("send to %s: %w", msg.Phone, err)
	}
	return nil
}
