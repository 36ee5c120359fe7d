package model

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMockCompleterResponses(t *testing.T) {
	ctx := context.Background()

	t.Run("returns scripted responses in order", func(t *testing.T) {
		mock := &MockCompleter{Responses: []Completion{
			{Text: "first"},
			{Text: "second"},
		}}

		out, err := mock.Complete(ctx, []Message{{Role: RoleUser, Content: "hi"}})
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if out.Text != "first" {
			t.Errorf("first call = %q", out.Text)
		}

		out, _ = mock.Complete(ctx, nil)
		if out.Text != "second" {
			t.Errorf("second call = %q", out.Text)
		}
	})

	t.Run("last response repeats when exhausted", func(t *testing.T) {
		mock := &MockCompleter{Responses: []Completion{{Text: "only"}}}
		for i := 0; i < 3; i++ {
			out, err := mock.Complete(ctx, nil)
			if err != nil {
				t.Fatalf("call %d: %v", i, err)
			}
			if out.Text != "only" {
				t.Errorf("call %d = %q", i, out.Text)
			}
		}
	})

	t.Run("records calls", func(t *testing.T) {
		mock := &MockCompleter{Responses: []Completion{{Text: "ok"}}}
		msgs := []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "hello"},
		}
		if _, err := mock.Complete(ctx, msgs); err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if mock.CallCount() != 1 {
			t.Fatalf("CallCount() = %d", mock.CallCount())
		}
		last := mock.LastCall()
		if len(last) != 2 || last[1].Content != "hello" {
			t.Errorf("LastCall() = %+v", last)
		}
	})
}

func TestMockCompleterErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream unavailable")

	t.Run("persistent error", func(t *testing.T) {
		mock := &MockCompleter{Err: boom}
		for i := 0; i < 2; i++ {
			if _, err := mock.Complete(ctx, nil); !errors.Is(err, boom) {
				t.Fatalf("call %d: err = %v", i, err)
			}
		}
	})

	t.Run("ErrCount limits failures", func(t *testing.T) {
		mock := &MockCompleter{
			Responses: []Completion{{Text: "recovered"}},
			Err:       boom,
			ErrCount:  1,
		}
		if _, err := mock.Complete(ctx, nil); !errors.Is(err, boom) {
			t.Fatalf("first call err = %v, want %v", err, boom)
		}
		out, err := mock.Complete(ctx, nil)
		if err != nil {
			t.Fatalf("second call err = %v", err)
		}
		if out.Text != "recovered" {
			t.Errorf("second call = %q", out.Text)
		}
	})

	t.Run("canceled context wins", func(t *testing.T) {
		mock := &MockCompleter{Responses: []Completion{{Text: "ok"}}}
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := mock.Complete(canceled, nil); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
		if mock.CallCount() != 0 {
			t.Errorf("canceled call was recorded")
		}
	})
}

func TestMockCompleterStream(t *testing.T) {
	ctx := context.Background()

	mock := &MockCompleter{Responses: []Completion{{Text: "hello streaming world"}}}
	stream, err := mock.CompleteStream(ctx, []Message{{Role: RoleUser, Content: "go"}})
	if err != nil {
		t.Fatalf("CompleteStream: %v", err)
	}
	defer stream.Close()

	var sb strings.Builder
	chunks := 0
	for stream.Next() {
		sb.WriteString(stream.Current())
		chunks++
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream err: %v", err)
	}
	if sb.String() != "hello streaming world" {
		t.Errorf("assembled = %q", sb.String())
	}
	if chunks < 2 {
		t.Errorf("chunks = %d, want the text split across several", chunks)
	}
}

func TestMockCompleterReset(t *testing.T) {
	ctx := context.Background()
	mock := &MockCompleter{Responses: []Completion{{Text: "a"}, {Text: "b"}}}

	mock.Complete(ctx, nil)
	mock.Complete(ctx, nil)
	mock.Reset()

	if mock.CallCount() != 0 {
		t.Fatalf("CallCount() after Reset = %d", mock.CallCount())
	}
	out, _ := mock.Complete(ctx, nil)
	if out.Text != "a" {
		t.Errorf("first call after Reset = %q, want the script restarted", out.Text)
	}
}
