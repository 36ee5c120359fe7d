// Package model provides completion adapters for LLM providers.
//
// The engine treats text generation as an opaque capability behind the
// Completer interface. Provider subpackages (openai, anthropic, google)
// implement it over the official SDKs; MockCompleter backs tests.
package model

import "context"

// Message is a single turn in a completion conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant.
	Role string

	// Content is the message text.
	Content string
}

// Standard role constants, aligned with the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Completion is the result of a non-streaming completion call.
type Completion struct {
	Text string
}

// Completer is the generation adapter contract.
//
// Implementations must respect context cancellation: a caller that times
// out mid-call leaves its workflow step resumable, so an abandoned call
// must stop promptly and return ctx.Err().
type Completer interface {
	// Complete sends the conversation and returns the full response text.
	Complete(ctx context.Context, messages []Message) (Completion, error)

	// CompleteStream sends the conversation and returns an incremental
	// text stream. The stream is finite and not restartable: a dropped
	// stream must be restarted from scratch with a new call.
	CompleteStream(ctx context.Context, messages []Message) (Stream, error)
}

// Stream yields incremental text chunks from a streaming completion.
//
// Usage follows the SDK iterator shape:
//
//	stream, err := c.CompleteStream(ctx, msgs)
//	if err != nil { ... }
//	defer stream.Close()
//	for stream.Next() {
//	    fmt.Print(stream.Current())
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream interface {
	// Next advances to the next chunk, returning false at end of stream
	// or on error.
	Next() bool

	// Current returns the chunk Next advanced to.
	Current() string

	// Err returns the terminal error, if any, after Next returns false.
	Err() error

	// Close releases the underlying connection. Safe to call twice.
	Close() error
}

// TextStream adapts a fixed chunk slice to the Stream interface. Providers
// reuse it for buffered fallbacks and tests for scripted streams.
type TextStream struct {
	Chunks []string

	// FailAfter, when >= 0, makes the stream error after that many chunks.
	FailAfter int

	// FailErr is the error returned once FailAfter is reached.
	FailErr error

	pos     int
	current string
	err     error
}

// NewTextStream returns a stream yielding the given chunks then ending.
func NewTextStream(chunks ...string) *TextStream {
	return &TextStream{Chunks: chunks, FailAfter: -1}
}

// Next implements Stream.
func (t *TextStream) Next() bool {
	if t.err != nil {
		return false
	}
	if t.FailAfter >= 0 && t.pos >= t.FailAfter {
		t.err = t.FailErr
		return false
	}
	if t.pos >= len(t.Chunks) {
		return false
	}
	t.current = t.Chunks[t.pos]
	t.pos++
	return true
}

// Current implements Stream.
func (t *TextStream) Current() string { return t.current }

// Err implements Stream.
func (t *TextStream) Err() error { return t.err }

// Close implements Stream.
func (t *TextStream) Close() error { return nil }
