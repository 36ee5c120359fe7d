// Package anthropic implements model.Completer over the official Anthropic SDK.
package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/draftflow/flowkit/flow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "claude-sonnet-4-0"

// DefaultMaxTokens bounds the response length; the Anthropic API requires
// an explicit cap.
const DefaultMaxTokens = 2048

// Completer implements model.Completer for Claude models.
//
// System messages are extracted into the API's separate system parameter;
// transient failures (429, 5xx, overloaded) are retried with a short
// linear backoff.
type Completer struct {
	client     anthropic.Client
	modelName  string
	maxTokens  int64
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Completer.
type Option func(*Completer)

// WithMaxTokens overrides the response token cap.
func WithMaxTokens(n int64) Option {
	return func(c *Completer) { c.maxTokens = n }
}

// WithRetries overrides the transient-retry count and base delay.
func WithRetries(n int, delay time.Duration) Option {
	return func(c *Completer) {
		c.maxRetries = n
		c.retryDelay = delay
	}
}

// New creates an Anthropic-backed completer.
func New(apiKey, modelName string, opts ...Option) *Completer {
	if modelName == "" {
		modelName = DefaultModel
	}
	c := &Completer{
		client:     anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName:  modelName,
		maxTokens:  DefaultMaxTokens,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete implements model.Completer.
func (c *Completer) Complete(ctx context.Context, messages []model.Message) (model.Completion, error) {
	params := c.params(messages)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return model.Completion{Text: textOf(msg)}, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == c.maxRetries {
			break
		}
		select {
		case <-time.After(c.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return model.Completion{}, ctx.Err()
		}
	}
	return model.Completion{}, lastErr
}

// CompleteStream implements model.Completer.
func (c *Completer) CompleteStream(ctx context.Context, messages []model.Message) (model.Stream, error) {
	st := c.client.Messages.NewStreaming(ctx, c.params(messages))
	if err := st.Err(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &stream{inner: st}, nil
}

func (c *Completer) params(messages []model.Message) anthropic.MessageNewParams {
	system, turns := SplitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.modelName),
		MaxTokens: c.maxTokens,
		Messages:  turns,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

// SplitSystem converts messages to SDK params, concatenating system
// messages into the separate system prompt Anthropic expects.
func SplitSystem(messages []model.Message) (string, []anthropic.MessageParam) {
	var system []string
	turns := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return strings.Join(system, "\n\n"), turns
}

func textOf(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// isTransient reports whether the API error is worth retrying.
func isTransient(err error) bool {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// stream adapts the SDK event stream to model.Stream, yielding only text
// deltas.
type stream struct {
	inner interface {
		Next() bool
		Current() anthropic.MessageStreamEventUnion
		Err() error
		Close() error
	}
	current string
}

func (s *stream) Next() bool {
	for s.inner.Next() {
		event := s.inner.Current()
		switch e := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch d := e.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text == "" {
					continue
				}
				s.current = d.Text
				return true
			}
		}
	}
	return false
}

func (s *stream) Current() string { return s.current }
func (s *stream) Err() error      { return s.inner.Err() }
func (s *stream) Close() error    { return s.inner.Close() }
