package rag

import "context"

// Profile holds the user's defaults merged into every assembled context.
type Profile struct {
	Organization string `json:"organization,omitempty"`
	Role         string `json:"role,omitempty"`
	Tone         string `json:"tone,omitempty"`
}

// Request carries everything the pipeline needs for one step execution.
type Request struct {
	User         string
	Org          string
	WorkflowType string
	StepName     string

	// Input is the raw user turn. It is classified and redacted like any
	// snippet before it may appear in a prompt.
	Input string

	Profile Profile

	// History is recent conversation text, newest last. Passed through
	// untouched; it was already filtered when originally emitted.
	History []string
}

// Context is the filtered bundle the Dispatcher is permitted to inject
// into a generation prompt. It is assembled fresh per step execution and
// never persisted verbatim.
type Context struct {
	Profile  Profile
	Snippets []Snippet
	History  []string

	// Input is the user turn after PII redaction.
	Input string

	// InputClass is the classification of the raw input.
	InputClass Classification

	// Dropped and Redactions describe the filtering work done, for
	// observability. Dropped counts snippets removed outright.
	Dropped    int
	Redactions int

	// FailedClosed is set when an adapter failure forced an empty
	// context. The context is still valid to inject.
	FailedClosed bool
}

// Pipeline assembles and security-filters context. The stages run in a
// fixed order: retrieve (bounded per scope), classify input and snippets,
// drop RESTRICTED or PII-flagged snippets, redact the remainder, merge
// with profile defaults.
//
// The central guarantee: no unfiltered snippet and no un-redacted PII
// pattern ever reaches a completion call. That holds on the error path
// too: a retrieval or classification failure yields an empty-but-valid
// context rather than the raw inputs.
type Pipeline struct {
	retriever   Retriever
	classifier  *Classifier
	globalLimit int
	orgLimit    int
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithSnippetLimits bounds retrieval per scope. Non-positive values keep
// the defaults (5 and 5).
func WithSnippetLimits(global, org int) PipelineOption {
	return func(p *Pipeline) {
		if global > 0 {
			p.globalLimit = global
		}
		if org > 0 {
			p.orgLimit = org
		}
	}
}

// NewPipeline builds a pipeline over the given retriever. A nil classifier
// gets the default regex table.
func NewPipeline(retriever Retriever, classifier *Classifier, opts ...PipelineOption) *Pipeline {
	if classifier == nil {
		classifier = NewClassifier()
	}
	p := &Pipeline{
		retriever:   retriever,
		classifier:  classifier,
		globalLimit: 5,
		orgLimit:    5,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Assemble runs the pipeline for one step execution. The returned context
// is always safe to inject; the error is informational (the adapter
// failure that forced a fail-closed result) and never carries raw data.
func (p *Pipeline) Assemble(ctx context.Context, req Request) (*Context, error) {
	out := &Context{
		Profile: req.Profile,
		History: req.History,
	}

	// The user's own turn is classified and redacted unconditionally.
	out.InputClass = p.classifier.Classify(req.Input)
	redacted, n := p.classifier.Redact(req.Input)
	out.Input = redacted
	out.Redactions += n

	snippets, err := p.retrieve(ctx, req)
	if err != nil {
		// Fail closed: profile defaults and the redacted input survive,
		// retrieved knowledge does not.
		out.FailedClosed = true
		return out, &AssemblyError{Cause: err}
	}

	for _, sn := range snippets {
		cls := p.classifier.Classify(sn.Content)
		if cls.Level == LevelRestricted {
			out.Dropped++
			continue
		}
		if cls.PIIDetected && cls.Level != LevelInternal && cls.Level != LevelConfidential {
			// PII outside the INTERNAL/CONFIDENTIAL redaction path has no
			// scrub story; drop the whole snippet.
			out.Dropped++
			continue
		}
		content, n := p.classifier.Redact(sn.Content)
		if cls.PIIDetected && n == 0 {
			// Classifier saw PII the redactors cannot scrub; drop rather
			// than leak.
			out.Dropped++
			continue
		}
		out.Redactions += n
		sn.Content = content
		out.Snippets = append(out.Snippets, sn)
	}
	return out, nil
}

func (p *Pipeline) retrieve(ctx context.Context, req Request) ([]Snippet, error) {
	if p.retriever == nil {
		return nil, nil
	}
	base := Query{
		User:         req.User,
		Org:          req.Org,
		WorkflowType: req.WorkflowType,
		StepName:     req.StepName,
		Text:         req.Input,
	}

	q := base
	q.Scope = ScopeGlobal
	q.Limit = p.globalLimit
	global, err := p.retriever.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(global) > p.globalLimit {
		global = global[:p.globalLimit]
	}

	q = base
	q.Scope = ScopeOrg
	q.Limit = p.orgLimit
	org, err := p.retriever.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(org) > p.orgLimit {
		org = org[:p.orgLimit]
	}

	return append(global, org...), nil
}

// AssemblyError reports that context assembly failed closed.
type AssemblyError struct {
	Cause error
}

func (e *AssemblyError) Error() string {
	return "context assembly failed closed: " + e.Cause.Error()
}

func (e *AssemblyError) Unwrap() error { return e.Cause }
