// Package whatsapp wraps per-user Whatsmeow clients for SendPipe.
//
// Each user gets an isolated session directory holding their whatsmeow
// credential store and, during linking, the QR code file to scan.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Constants for WhatsApp client configuration
const (
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// SessionDBFileName is the whatsmeow credential store inside a session directory
	SessionDBFileName = "session.db"
	// QRFileName is the login QR code file written during linking
	QRFileName = "qr.txt"
	// DefaultDirPermissions defines the default permissions for session directories
	DefaultDirPermissions = 0755
)

// Device is the per-user WhatsApp client surface consumed by the session
// pool. *Client implements it against a live connection; MockClient provides
// a test double.
type Device interface {
	// IsLinked reports whether the credential store holds a paired device.
	IsLinked() bool
	// QRPath returns the path the login QR code is written to during linking.
	QRPath() string
	// Connect establishes the server connection. For an unlinked store it
	// runs the QR login flow and blocks until linking succeeds or ctx ends.
	Connect(ctx context.Context) error
	// IsLoggedIn reports whether the connection is authenticated and usable.
	IsLoggedIn() bool
	// SendMessage sends a text message to the given phone number.
	SendMessage(ctx context.Context, to string, body string) error
	// Logout unpairs the device and clears the credential store.
	Logout(ctx context.Context) error
	// Disconnect closes the server connection without unpairing.
	Disconnect()
}

// Opts holds configuration options for a per-user WhatsApp client.
type Opts struct {
	SessionDir  string // directory holding this user's whatsmeow store and QR file
	QRPath      string // path to write the login QR code (defaults to SessionDir/qr.txt)
	NumericCode bool   // write the raw login code instead of rendering a QR block
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithSessionDir sets the directory for this user's session state.
func WithSessionDir(dir string) Option {
	return func(o *Opts) {
		o.SessionDir = dir
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the client to write the raw login code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps a Whatsmeow client bound to one user's session directory.
type Client struct {
	waClient    *whatsmeow.Client
	qrPath      string
	numericCode bool
}

// Compile-time check that Client implements Device.
var _ Device = (*Client)(nil)

// NewClient creates a WhatsApp client over the session directory given in
// options. The directory is created if missing. The client starts
// disconnected; call Connect to link and/or establish the connection.
func NewClient(opts ...Option) (*Client, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "sessionDir_set", cfg.SessionDir != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	if cfg.SessionDir == "" {
		slog.Error("WhatsApp session directory not set")
		return nil, fmt.Errorf("session directory not set")
	}
	if err := os.MkdirAll(cfg.SessionDir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create session directory", "error", err, "dir", cfg.SessionDir)
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	qrPath := cfg.QRPath
	if qrPath == "" {
		qrPath = filepath.Join(cfg.SessionDir, QRFileName)
	}

	// Per-user credential stores are always SQLite files inside the session
	// directory; whatsmeow wants foreign keys on.
	dsn := "file:" + filepath.Join(cfg.SessionDir, SessionDBFileName) + "?_foreign_keys=on"

	slog.Debug("WhatsApp NewClient initializing DB store", "dir", cfg.SessionDir)
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, "sqlite3", dsn, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	slog.Debug("WhatsApp DB store initialized")

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}
	slog.Debug("WhatsApp device store retrieved")

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	return &Client{waClient: waClient, qrPath: qrPath, numericCode: cfg.NumericCode}, nil
}

// IsLinked reports whether the credential store already holds a paired device.
func (c *Client) IsLinked() bool {
	return c.waClient.Store.ID != nil
}

// QRPath returns the path the login QR code is written to during linking.
func (c *Client) QRPath() string {
	return c.qrPath
}

// Connect establishes the connection to WhatsApp. If the store is not linked
// yet it runs the QR login flow, writing codes to the QR file, and blocks
// until the user scans or ctx is done.
func (c *Client) Connect(ctx context.Context) error {
	if c.IsLinked() {
		// Already logged in, just connect
		slog.Debug("WhatsApp already linked, connecting to server")
		if err := c.waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
		slog.Info("WhatsApp client connected")
		return nil
	}

	slog.Info("WhatsApp login required; starting QR code flow", "qrPath", c.qrPath)
	qrChan, err := c.waClient.GetQRChannel(ctx)
	if err != nil {
		slog.Error("Failed to get WhatsApp QR channel", "error", err)
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := c.waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.waClient.Disconnect()
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				c.waClient.Disconnect()
				return fmt.Errorf("login channel closed before pairing completed")
			}
			switch evt.Event {
			case "code":
				slog.Debug("WhatsApp login code received", "qrPath", c.qrPath)
				if err := c.writeLoginCode(evt.Code); err != nil {
					c.waClient.Disconnect()
					return err
				}
			case "success":
				slog.Info("WhatsApp login succeeded")
				// The stale code is useless once paired.
				os.Remove(c.qrPath)
				return nil
			case "timeout":
				c.waClient.Disconnect()
				return fmt.Errorf("login QR code expired before pairing")
			default:
				slog.Debug("WhatsApp login event", "event", evt.Event)
				if evt.Error != nil {
					c.waClient.Disconnect()
					return fmt.Errorf("login failed: %w", evt.Error)
				}
			}
		}
	}
}

// writeLoginCode renders the current login code into the QR file, replacing
// any previous one.
func (c *Client) writeLoginCode(code string) error {
	f, err := os.Create(c.qrPath)
	if err != nil {
		slog.Error("Failed to create QR file", "error", err, "qrPath", c.qrPath)
		return fmt.Errorf("failed to create QR file: %w", err)
	}
	defer f.Close()

	writer := io.Writer(f)
	if c.numericCode {
		fmt.Fprintln(writer, code)
	} else {
		qrterminal.GenerateHalfBlock(code, qrterminal.L, writer)
	}
	return nil
}

// IsLoggedIn reports whether the client has an authenticated connection.
func (c *Client) IsLoggedIn() bool {
	return c.waClient.IsLoggedIn()
}

// SendMessage sends a WhatsApp message to the specified recipient.
// It performs comprehensive validation and provides detailed error information.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client store not available")
	}
	if to == "" {
		return fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	jid := types.NewJID(to, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	_, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// Logout unpairs the device and clears the credential store.
func (c *Client) Logout(ctx context.Context) error {
	slog.Info("Logging out WhatsApp client")
	if err := c.waClient.Logout(ctx); err != nil {
		slog.Error("Failed to log out WhatsApp client", "error", err)
		return fmt.Errorf("failed to log out: %w", err)
	}
	return nil
}

// Disconnect closes the server connection without unpairing.
func (c *Client) Disconnect() {
	c.waClient.Disconnect()
}

// SentMessage records a message sent through the MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient implements Device without a real WhatsApp connection (for tests).
// In tests, use whatsapp.NewMockClient() instead of NewClient.
type MockClient struct {
	mu           sync.Mutex
	linked       bool
	connected    bool
	sentMessages []SentMessage

	// ConnectErr, when set, is returned by Connect.
	ConnectErr error
	// ConnectDelay, when set, makes Connect wait before succeeding,
	// simulating a linking wait.
	ConnectDelay time.Duration
	// SendErr, when set, is returned by SendMessage.
	SendErr error
	// SendDelay, when set, makes SendMessage wait before completing.
	SendDelay time.Duration
	// QRFile is the value returned by QRPath.
	QRFile string
}

// Compile-time check that MockClient implements Device.
var _ Device = (*MockClient)(nil)

// NewMockClient creates a mock client that links on first Connect.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// NewLinkedMockClient creates a mock client that behaves as already paired.
func NewLinkedMockClient() *MockClient {
	return &MockClient{linked: true}
}

func (m *MockClient) IsLinked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linked
}

func (m *MockClient) QRPath() string {
	return m.QRFile
}

func (m *MockClient) Connect(ctx context.Context) error {
	if m.ConnectDelay > 0 {
		select {
		case <-time.After(m.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = true
	m.connected = true
	return nil
}

func (m *MockClient) IsLoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linked && m.connected
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if m.SendDelay > 0 {
		select {
		case <-time.After(m.SendDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMessages = append(m.sentMessages, SentMessage{To: to, Body: body})
	return nil
}

func (m *MockClient) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linked = false
	m.connected = false
	return nil
}

func (m *MockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// SentMessages returns a copy of the messages sent so far.
func (m *MockClient) SentMessages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sentMessages))
	copy(out, m.sentMessages)
	return out
}
