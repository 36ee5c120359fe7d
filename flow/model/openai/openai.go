// Package openai implements model.Completer over the official OpenAI SDK.
package openai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/draftflow/flowkit/flow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gpt-4o-mini"

// Completer implements model.Completer for OpenAI chat models.
//
// Transient failures (429, 5xx, network) are retried with a short linear
// backoff before the error is surfaced.
type Completer struct {
	client     openai.Client
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// Option configures a Completer.
type Option func(*Completer)

// WithRetries overrides the transient-retry count and base delay.
func WithRetries(n int, delay time.Duration) Option {
	return func(c *Completer) {
		c.maxRetries = n
		c.retryDelay = delay
	}
}

// New creates an OpenAI-backed completer.
func New(apiKey, modelName string, opts ...Option) *Completer {
	if modelName == "" {
		modelName = DefaultModel
	}
	c := &Completer{
		client:     openai.NewClient(option.WithAPIKey(apiKey)),
		modelName:  modelName,
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
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err == nil {
			if len(resp.Choices) == 0 {
				return model.Completion{}, errors.New("openai: response has no choices")
			}
			return model.Completion{Text: resp.Choices[0].Message.Content}, nil
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
	st := c.client.Chat.Completions.NewStreaming(ctx, c.params(messages))
	if err := st.Err(); err != nil {
		_ = st.Close()
		return nil, err
	}
	return &stream{inner: st}, nil
}

func (c *Completer) params(messages []model.Message) openai.ChatCompletionNewParams {
	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.modelName),
		Messages: ConvertMessages(messages),
	}
}

// ConvertMessages maps the engine's message format onto SDK params.
// Unknown roles are sent as user messages.
func ConvertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// isTransient reports whether the API error is worth retrying.
func isTransient(err error) bool {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return apierr.StatusCode == 429 || apierr.StatusCode >= 500
	}
	// Non-API errors at this layer are network-shaped; treat as transient
	// unless the context was cancelled.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// stream adapts the SDK SSE stream to model.Stream, skipping chunks that
// carry no content delta.
type stream struct {
	inner interface {
		Next() bool
		Current() openai.ChatCompletionChunk
		Err() error
		Close() error
	}
	current string
}

func (s *stream) Next() bool {
	for s.inner.Next() {
		chunk := s.inner.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		s.current = delta
		return true
	}
	return false
}

func (s *stream) Current() string { return s.current }
func (s *stream) Err() error      { return s.inner.Err() }
func (s *stream) Close() error    { return s.inner.Close() }
