// Package google implements model.Completer over the Gemini SDK.
package google

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/draftflow/flowkit/flow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-1.5-flash"

// Completer implements model.Completer for Gemini models.
//
// Conversation history is replayed through a chat session; system messages
// become the model's system instruction. Transient failures (429, 5xx) are
// retried with a short linear backoff.
type Completer struct {
	client     *genai.Client
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

// New creates a Gemini-backed completer. The client holds a connection;
// call Close when done.
func New(ctx context.Context, apiKey, modelName string, opts ...Option) (*Completer, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	c := &Completer{
		client:     client,
		modelName:  modelName,
		maxRetries: 3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the underlying client connection.
func (c *Completer) Close() error { return c.client.Close() }

// Complete implements model.Completer.
func (c *Completer) Complete(ctx context.Context, messages []model.Message) (model.Completion, error) {
	session, last := c.session(messages)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		resp, err := session.SendMessage(ctx, genai.Text(last))
		if err == nil {
			return model.Completion{Text: TextOf(resp)}, nil
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
	session, last := c.session(messages)
	iter := session.SendMessageStream(ctx, genai.Text(last))
	return &stream{iter: iter}, nil
}

// session builds a chat session holding all but the last user turn, which
// is returned separately to send.
func (c *Completer) session(messages []model.Message) (*genai.ChatSession, string) {
	gm := c.client.GenerativeModel(c.modelName)

	system, turns := splitSystem(messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	turns, last := splitLastUser(turns)

	session := gm.StartChat()
	session.History = turns
	return session, last
}

// splitLastUser pops a trailing user turn off the history, returning the
// remaining history and the text to send.
func splitLastUser(turns []*genai.Content) ([]*genai.Content, string) {
	if len(turns) == 0 || turns[len(turns)-1].Role != "user" {
		return turns, ""
	}
	last := ""
	if parts := turns[len(turns)-1].Parts; len(parts) > 0 {
		if t, ok := parts[0].(genai.Text); ok {
			last = string(t)
		}
	}
	return turns[:len(turns)-1], last
}

func splitSystem(messages []model.Message) (string, []*genai.Content) {
	var system []string
	turns := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
		case model.RoleAssistant:
			turns = append(turns, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			turns = append(turns, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	return strings.Join(system, "\n\n"), turns
}

// TextOf extracts the text parts of a response.
func TextOf(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	return sb.String()
}

// isTransient reports whether the API error is worth retrying.
func isTransient(err error) bool {
	var apierr *googleapi.Error
	if errors.As(err, &apierr) {
		return apierr.Code == 429 || apierr.Code >= 500
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// stream adapts the SDK response iterator to model.Stream.
type stream struct {
	iter    *genai.GenerateContentResponseIterator
	current string
	err     error
	done    bool
}

func (s *stream) Next() bool {
	for !s.done {
		resp, err := s.iter.Next()
		if errors.Is(err, iterator.Done) {
			s.done = true
			return false
		}
		if err != nil {
			s.err = err
			s.done = true
			return false
		}
		if text := TextOf(resp); text != "" {
			s.current = text
			return true
		}
	}
	return false
}

func (s *stream) Current() string { return s.current }
func (s *stream) Err() error      { return s.err }
func (s *stream) Close() error    { s.done = true; return nil }
