// Package compose generates message content from prompts at schedule time
// using the OpenAI API.
package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"sendpipe/internal/models"
)

// Generator produces message content for schedule requests that carry
// prompts instead of literal content.
type Generator interface {
	Compose(ctx context.Context, spec models.ComposeSpec) (string, error)
}

// Opts holds configuration options for the compose client.
type Opts struct {
	Model  string
	APIKey string
}

// Option defines a configuration option for the compose client.
type Option func(*Opts)

// WithModel overrides the chat model used for composition.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithAPIKey sets the OpenAI API key explicitly instead of relying on the
// OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// Client wraps the OpenAI chat completions API for composing message content.
type Client struct {
	client *openai.Client
	model  string
}

// Compile-time check that Client implements Generator.
var _ Generator = (*Client)(nil)

// NewClient initializes a compose client. The API key comes from the
// WithAPIKey option or the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: openai.ChatModelGPT4oMini}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.APIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	cli := openai.NewClient(clientOpts...)
	slog.Debug("Compose client initialized", "model", cfg.Model)
	return &Client{client: &cli, model: cfg.Model}, nil
}

// Compose generates content from the system and user prompts.
func (c *Client) Compose(ctx context.Context, spec models.ComposeSpec) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(spec.SystemPrompt),
			openai.UserMessage(spec.UserPrompt),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("empty completion returned")
	}
	slog.Debug("Compose completed", "model", c.model, "content_length", len(content))
	return content, nil
}

// MockGenerator implements Generator for tests.
type MockGenerator struct {
	// Content, when set, is returned for every Compose call.
	Content string
	// Err, when set, is returned instead.
	Err error
	// Calls records every spec passed in.
	Calls []models.ComposeSpec
}

// Compile-time check that MockGenerator implements Generator.
var _ Generator = (*MockGenerator)(nil)

func (m *MockGenerator) Compose(ctx context.Context, spec models.ComposeSpec) (string, error) {
	m.Calls = append(m.Calls, spec)
	if m.Err != nil {
		return "", m.Err
	}
	if m.Content != "" {
		return m.Content, nil
	}
	return "composed: " + spec.UserPrompt, nil
}
