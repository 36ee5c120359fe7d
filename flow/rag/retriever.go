package rag

import (
	"context"
	"sort"
)

// Scope selects which knowledge partition a retrieval query runs against.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeOrg    Scope = "org"
)

// Query carries the retrieval parameters for one step execution.
type Query struct {
	User         string
	Org          string
	WorkflowType string
	StepName     string
	Text         string
	Scope        Scope
	Limit        int
}

// Snippet is one retrieved knowledge fragment with its provenance.
type Snippet struct {
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"relevance_score"`
}

// Retriever returns ranked context snippets for a query. Implementations
// are external (vector stores, search services); the pipeline only relies
// on this contract.
type Retriever interface {
	Retrieve(ctx context.Context, q Query) ([]Snippet, error)
}

// StaticRetriever serves a fixed snippet set, ranked by score, split by
// scope. Used in tests and examples.
type StaticRetriever struct {
	// Global and Org are served for the corresponding query scope.
	Global []Snippet
	Org    []Snippet

	// Err, if set, is returned from every Retrieve call.
	Err error
}

// Retrieve returns the snippet set for the query's scope, highest score
// first, truncated to q.Limit when positive.
func (s *StaticRetriever) Retrieve(_ context.Context, q Query) ([]Snippet, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	var src []Snippet
	if q.Scope == ScopeOrg {
		src = s.Org
	} else {
		src = s.Global
	}
	out := append([]Snippet(nil), src...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
