// Package session maintains the pool of per-user WhatsApp sessions.
//
// Sessions are created lazily on first use. An unlinked session runs the QR
// pairing flow exactly once no matter how many callers are waiting on it, and
// a ready session is leased to one caller at a time so deliveries for the
// same user never interleave on the wire.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"sendpipe/internal/models"
	"sendpipe/internal/whatsapp"
)

// DefaultLinkTimeout bounds how long a session waits for the user to scan
// the login QR code before the acquire fails.
const DefaultLinkTimeout = 3 * time.Minute

var (
	// ErrLinkTimeout indicates the pairing wait expired before the user
	// linked their device.
	ErrLinkTimeout = errors.New("linking timed out")
	// ErrSessionNotFound indicates no session exists for the user.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionRevoked indicates the session was revoked while the caller
	// was waiting for it.
	ErrSessionRevoked = errors.New("session revoked")
	// ErrInvalidUserID indicates the user ID is empty or not usable as a
	// session directory name.
	ErrInvalidUserID = errors.New("invalid user id")
)

// Dialer creates the WhatsApp device for a user. The default dialer builds a
// real client over <baseDir>/<userID>; tests inject mock devices here.
type Dialer func(userID string) (whatsapp.Device, error)

// Opts holds configuration options for the session manager.
type Opts struct {
	BaseDir     string        // directory holding one session subdirectory per user
	LinkTimeout time.Duration // max wait for QR pairing (defaults to DefaultLinkTimeout)
	NumericCode bool          // write raw login codes instead of QR blocks
	Dialer      Dialer        // device factory (defaults to whatsapp.NewClient over BaseDir)
}

// Option defines a configuration option for the session manager.
type Option func(*Opts)

// WithBaseDir sets the directory under which per-user session state lives.
func WithBaseDir(dir string) Option {
	return func(o *Opts) {
		o.BaseDir = dir
	}
}

// WithLinkTimeout overrides how long an acquire waits for QR pairing.
func WithLinkTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.LinkTimeout = d
	}
}

// WithNumericCode makes sessions write raw login codes instead of QR blocks.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithDialer overrides how devices are created, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(o *Opts) {
		o.Dialer = d
	}
}

// Session is one user's live WhatsApp session. It is handed out by
// Manager.Acquire under an exclusive lease; callers must Release it when done.
type Session struct {
	userID string
	device whatsapp.Device

	// lease holds one token; taking it grants exclusive use of the device.
	lease chan struct{}

	mu        sync.Mutex
	state     models.SessionState
	updatedAt time.Time
}

// UserID returns the user this session belongs to.
func (s *Session) UserID() string {
	return s.userID
}

// Device returns the leased WhatsApp device.
func (s *Session) Device() whatsapp.Device {
	return s.device
}

// Release returns the session to the pool. Releasing a session that is not
// held is logged and otherwise ignored.
func (s *Session) Release() {
	select {
	case s.lease <- struct{}{}:
	default:
		slog.Warn("Session.Release: lease already free", "userID", s.userID)
	}
}

// Info returns a snapshot of the session state. While the session is waiting
// for pairing it includes the path the QR code is written to.
func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := models.SessionInfo{UserID: s.userID, State: s.state, UpdatedAt: s.updatedAt}
	if s.state == models.SessionStateAwaitingLinking {
		info.QRPath = s.device.QRPath()
	}
	return info
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state {
		return
	}
	slog.Debug("Session state changed", "userID", s.userID, "from", s.state, "to", state)
	s.state = state
	s.updatedAt = time.Now()
}

// Manager owns the session pool. All session access goes through Acquire /
// Release; Revoke closes a user's session and clears their pairing.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// linking collapses concurrent acquires for the same user into one
	// pairing wait.
	linking singleflight.Group

	dial        Dialer
	linkTimeout time.Duration
}

// NewManager creates a session manager. Either a base directory or a custom
// dialer is required.
func NewManager(opts ...Option) (*Manager, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Session NewManager options set", "baseDir_set", cfg.BaseDir != "", "linkTimeout", cfg.LinkTimeout, "numericCode", cfg.NumericCode, "dialer_set", cfg.Dialer != nil)

	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = DefaultLinkTimeout
	}
	dial := cfg.Dialer
	if dial == nil {
		if cfg.BaseDir == "" {
			slog.Error("Session manager base directory not set")
			return nil, fmt.Errorf("session base directory not set")
		}
		baseDir := cfg.BaseDir
		numeric := cfg.NumericCode
		dial = func(userID string) (whatsapp.Device, error) {
			waOpts := []whatsapp.Option{whatsapp.WithSessionDir(filepath.Join(baseDir, userID))}
			if numeric {
				waOpts = append(waOpts, whatsapp.WithNumericCode())
			}
			return whatsapp.NewClient(waOpts...)
		}
	}

	return &Manager{
		sessions:    make(map[string]*Session),
		dial:        dial,
		linkTimeout: cfg.LinkTimeout,
	}, nil
}

// validateUserID rejects IDs that are empty or would escape the session
// directory when used as a path element.
func validateUserID(userID string) error {
	if userID == "" || userID == "." || userID == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	if strings.ContainsAny(userID, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	return nil
}

// Acquire returns the user's session under an exclusive lease, creating and
// linking it first if needed. Concurrent acquires for the same user share a
// single linking wait and then take turns holding the lease. The caller must
// Release the session when done.
func (m *Manager) Acquire(ctx context.Context, userID string) (*Session, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	ch := m.linking.DoChan(userID, func() (interface{}, error) {
		return m.ensureReady(userID)
	})

	var sess *Session
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		sess = res.Val.(*Session)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sess.lease:
	}

	// The session may have been revoked while we waited for the lease.
	m.mu.Lock()
	current := m.sessions[userID]
	m.mu.Unlock()
	if current != sess {
		sess.lease <- struct{}{}
		return nil, fmt.Errorf("session for %s: %w", userID, ErrSessionRevoked)
	}
	return sess, nil
}

// ensureReady returns the user's session with an authenticated connection,
// creating the session and running the pairing flow if needed. It runs inside
// the singleflight group, so at most one call per user is in flight.
func (m *Manager) ensureReady(userID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	m.mu.Unlock()

	if !ok {
		device, err := m.dial(userID)
		if err != nil {
			slog.Error("Manager.ensureReady: failed to create device", "error", err, "userID", userID)
			return nil, fmt.Errorf("failed to create session for %s: %w", userID, err)
		}
		sess = &Session{
			userID:    userID,
			device:    device,
			lease:     make(chan struct{}, 1),
			state:     models.SessionStateUninitialized,
			updatedAt: time.Now(),
		}
		sess.lease <- struct{}{}
		m.mu.Lock()
		m.sessions[userID] = sess
		m.mu.Unlock()
	}

	if sess.device.IsLoggedIn() {
		sess.setState(models.SessionStateReady)
		return sess, nil
	}

	if !sess.device.IsLinked() {
		slog.Info("Manager.ensureReady: session requires linking", "userID", userID, "qrPath", sess.device.QRPath())
		sess.setState(models.SessionStateAwaitingLinking)
	}

	// The pairing wait is bounded by the manager, not by any one caller:
	// other acquirers may still be waiting even if the first gives up.
	connectCtx, cancel := context.WithTimeout(context.Background(), m.linkTimeout)
	defer cancel()

	if err := sess.device.Connect(connectCtx); err != nil {
		m.remove(userID, sess)
		sess.device.Disconnect()
		if errors.Is(err, context.DeadlineExceeded) {
			slog.Warn("Manager.ensureReady: linking timed out", "userID", userID, "timeout", m.linkTimeout)
			return nil, fmt.Errorf("session for %s: %w", userID, ErrLinkTimeout)
		}
		slog.Error("Manager.ensureReady: failed to connect session", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to connect session for %s: %w", userID, err)
	}

	sess.setState(models.SessionStateReady)
	slog.Info("Manager.ensureReady: session ready", "userID", userID)
	return sess, nil
}

// remove drops the pool entry if it still refers to sess.
func (m *Manager) remove(userID string, sess *Session) {
	m.mu.Lock()
	if m.sessions[userID] == sess {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}

// Revoke closes the user's session and unpairs the device. The session is
// removed from the pool immediately; a delivery already holding the lease
// keeps its device reference and fails on its own terms. A later acquire
// starts a fresh session and links again.
func (m *Manager) Revoke(ctx context.Context, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}

	m.mu.Lock()
	sess, ok := m.sessions[userID]
	if ok {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session for %s: %w", userID, ErrSessionNotFound)
	}

	sess.setState(models.SessionStateClosed)
	err := sess.device.Logout(ctx)
	if err != nil {
		slog.Warn("Manager.Revoke: logout failed", "error", err, "userID", userID)
	}
	sess.device.Disconnect()
	slog.Info("Manager.Revoke: session revoked", "userID", userID)
	if err != nil {
		return fmt.Errorf("failed to log out session for %s: %w", userID, err)
	}
	return nil
}

// Info reports the session state for a user. Users without a session are
// reported as uninitialized.
func (m *Manager) Info(userID string) models.SessionInfo {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	m.mu.Unlock()
	if !ok {
		return models.SessionInfo{UserID: userID, State: models.SessionStateUninitialized}
	}
	return sess.Info()
}

// Close disconnects every session without unpairing, so devices stay linked
// across restarts. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.setState(models.SessionStateClosed)
		sess.device.Disconnect()
	}
	slog.Info("Manager.Close: all sessions disconnected", "count", len(sessions))
}
