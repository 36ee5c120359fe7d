package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"

	"github.com/draftflow/flowkit/flow/model"
)

func TestSplitSystem(t *testing.T) {
	t.Run("extracts system instruction and maps roles", func(t *testing.T) {
		system, turns := splitSystem([]model.Message{
			{Role: model.RoleSystem, Content: "be brief"},
			{Role: model.RoleSystem, Content: "stay formal"},
			{Role: model.RoleUser, Content: "hello"},
			{Role: model.RoleAssistant, Content: "hi"},
		})
		if system != "be brief\n\nstay formal" {
			t.Errorf("system = %q", system)
		}
		if len(turns) != 2 {
			t.Fatalf("turns = %d, want 2", len(turns))
		}
		if turns[0].Role != "user" {
			t.Errorf("turns[0].Role = %q", turns[0].Role)
		}
		// Gemini names the assistant role "model".
		if turns[1].Role != "model" {
			t.Errorf("turns[1].Role = %q", turns[1].Role)
		}
	})

	t.Run("unknown roles become user turns", func(t *testing.T) {
		_, turns := splitSystem([]model.Message{{Role: "tool", Content: "x"}})
		if len(turns) != 1 || turns[0].Role != "user" {
			t.Errorf("turns = %+v, want one user turn", turns)
		}
	})
}

func TestSplitLastUser(t *testing.T) {
	userTurn := func(text string) *genai.Content {
		return &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(text)}}
	}
	modelTurn := func(text string) *genai.Content {
		return &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(text)}}
	}

	t.Run("pops a trailing user turn", func(t *testing.T) {
		history, last := splitLastUser([]*genai.Content{
			userTurn("hello"), modelTurn("hi"), userTurn("write it"),
		})
		if last != "write it" {
			t.Errorf("last = %q", last)
		}
		if len(history) != 2 {
			t.Errorf("history = %d turns, want 2", len(history))
		}
	})

	t.Run("keeps history ending in a model turn", func(t *testing.T) {
		history, last := splitLastUser([]*genai.Content{
			userTurn("hello"), modelTurn("hi"),
		})
		if last != "" {
			t.Errorf("last = %q, want empty", last)
		}
		if len(history) != 2 {
			t.Errorf("history = %d turns, want 2", len(history))
		}
	})

	t.Run("empty history", func(t *testing.T) {
		history, last := splitLastUser(nil)
		if last != "" || len(history) != 0 {
			t.Errorf("got %d turns, last %q", len(history), last)
		}
	})
}

func TestTextOf(t *testing.T) {
	t.Run("concatenates text parts across candidates", func(t *testing.T) {
		resp := &genai.GenerateContentResponse{
			Candidates: []*genai.Candidate{
				{Content: &genai.Content{Parts: []genai.Part{genai.Text("Hello "), genai.Text("world")}}},
				{Content: nil},
			},
		}
		if got := TextOf(resp); got != "Hello world" {
			t.Errorf("TextOf = %q", got)
		}
	})

	t.Run("nil response", func(t *testing.T) {
		if got := TextOf(nil); got != "" {
			t.Errorf("TextOf(nil) = %q, want empty", got)
		}
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", &googleapi.Error{Code: 429}, true},
		{"server error", &googleapi.Error{Code: 503}, true},
		{"bad request", &googleapi.Error{Code: 400}, false},
		{"not found", &googleapi.Error{Code: 404}, false},
		{"network error", errors.New("connection refused"), true},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
