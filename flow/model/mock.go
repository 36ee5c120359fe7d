package model

import (
	"context"
	"strings"
	"sync"
)

// MockCompleter is a test implementation of Completer.
//
// It returns scripted responses in order, records every call, and supports
// error injection:
//
//	mock := &MockCompleter{
//	    Responses: []Completion{{Text: "first"}, {Text: "second"}},
//	}
//	out, _ := mock.Complete(ctx, msgs) // "first", then "second", then
//	                                   // the last response repeats
//
// Error injection:
//
//	mock := &MockCompleter{Err: errors.New("boom")}
//
// ErrCount limits how many calls fail before Responses resume, which is
// how retry behavior is exercised.
type MockCompleter struct {
	// Responses is the scripted response sequence. When exhausted, the
	// last response repeats.
	Responses []Completion

	// Err, if set, is returned instead of a response.
	Err error

	// ErrCount, when > 0, limits Err to the first ErrCount calls.
	// Zero means Err (if set) applies to every call.
	ErrCount int

	// Calls records every invocation's messages, both streaming and not.
	Calls [][]Message

	mu       sync.Mutex
	idx      int
	errsLeft int
	errInit  bool
}

// Complete implements Completer.
func (m *MockCompleter) Complete(ctx context.Context, messages []Message) (Completion, error) {
	if ctx.Err() != nil {
		return Completion{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)

	if err := m.nextErrLocked(); err != nil {
		return Completion{}, err
	}
	return m.nextResponseLocked(), nil
}

// CompleteStream implements Completer. The scripted response is split into
// word chunks so callers observe multiple Next iterations.
func (m *MockCompleter) CompleteStream(ctx context.Context, messages []Message) (Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, messages)

	if err := m.nextErrLocked(); err != nil {
		return nil, err
	}
	text := m.nextResponseLocked().Text
	words := strings.SplitAfter(text, " ")
	return NewTextStream(words...), nil
}

// CallCount returns how many times the mock was invoked.
func (m *MockCompleter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the messages of the most recent invocation, or nil.
func (m *MockCompleter) LastCall() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return nil
	}
	return m.Calls[len(m.Calls)-1]
}

// Reset clears call history and restarts the response and error scripts.
func (m *MockCompleter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.idx = 0
	m.errInit = false
}

func (m *MockCompleter) nextErrLocked() error {
	if m.Err == nil {
		return nil
	}
	if m.ErrCount == 0 {
		return m.Err
	}
	if !m.errInit {
		m.errsLeft = m.ErrCount
		m.errInit = true
	}
	if m.errsLeft > 0 {
		m.errsLeft--
		return m.Err
	}
	return nil
}

func (m *MockCompleter) nextResponseLocked() Completion {
	if len(m.Responses) == 0 {
		return Completion{}
	}
	i := m.idx
	if i >= len(m.Responses) {
		i = len(m.Responses) - 1
	} else {
		m.idx++
	}
	return m.Responses[i]
}
