package flow

import (
	"fmt"
	"sort"
	"sync"
)

// StepDef is the immutable blueprint for one step. Workflows copy step
// definitions at creation time; a running workflow never reads its template
// again.
type StepDef struct {
	Name        string
	Type        StepType
	Order       int
	DependsOn   []string
	AutoExecute bool
	Prompt      string

	// AssetReview marks a DIALOG definition as the review loop over a
	// generated artifact.
	AssetReview bool

	// Defaults seeds the step payload. When nil, an empty payload of the
	// kind implied by Type is used.
	Defaults *Payload
}

// Template is the blueprint a Workflow is instantiated from.
type Template struct {
	ID   string
	Name string

	// Type is the asset type produced, e.g. "press-release". The idle
	// workflow-selection template uses TypeSelection.
	Type string

	Steps []StepDef
}

// TypeSelection is the asset type of the idle workflow-selection template.
// A workflow of this type has a single free-form dialog step that resolves
// which concrete workflow the user wants.
const TypeSelection = "workflow-selection"

// Validate checks the template's step graph:
//   - at least one step, with a step at order 0
//   - names and orders unique within the template
//   - every dependency names another step in the template
//   - the dependency graph is acyclic
//
// Validation happens at registration so a stalled workflow at runtime can
// only come from data written outside this process.
func (t *Template) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("template %q: type is required", t.Name)
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %q: no steps", t.Name)
	}

	names := make(map[string]StepDef, len(t.Steps))
	orders := make(map[int]string, len(t.Steps))
	for _, def := range t.Steps {
		if def.Name == "" {
			return fmt.Errorf("template %q: step with empty name", t.Name)
		}
		if _, dup := names[def.Name]; dup {
			return fmt.Errorf("template %q: duplicate step name %q", t.Name, def.Name)
		}
		if prev, dup := orders[def.Order]; dup {
			return fmt.Errorf("template %q: steps %q and %q share order %d", t.Name, prev, def.Name, def.Order)
		}
		names[def.Name] = def
		orders[def.Order] = def.Name
	}
	if _, ok := orders[0]; !ok {
		return fmt.Errorf("template %q: no step with order 0", t.Name)
	}

	for _, def := range t.Steps {
		for _, dep := range def.DependsOn {
			if dep == def.Name {
				return fmt.Errorf("template %q: step %q depends on itself", t.Name, def.Name)
			}
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("template %q: step %q depends on unknown step %q", t.Name, def.Name, dep)
			}
		}
	}

	// Cycle detection via DFS with three colors.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(names))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("template %q: dependency cycle through step %q", t.Name, name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range names[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range names {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// DefaultPayload returns the payload a fresh step starts with. Stores call
// this when instantiating template steps.
func (d StepDef) DefaultPayload() Payload {
	if d.Defaults != nil {
		return d.Defaults.Clone()
	}
	switch d.Type {
	case StepGeneration:
		return NewGenerationPayload()
	case StepTitle:
		return NewTitlePayload()
	case StepAutoExecute:
		// Auto-execute defaults to generation behavior unless the
		// definition seeds a dialog payload.
		return NewGenerationPayload()
	default:
		p := NewDialogPayload()
		p.Dialog.AssetReview = d.AssetReview
		return p
	}
}

// Registry holds the templates workflows can be instantiated from.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Template
	byType map[string]*Template
}

// NewRegistry returns an empty template registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Template),
		byType: make(map[string]*Template),
	}
}

// Register validates and adds a template. Registering a second template
// with the same ID or asset type is an error.
func (r *Registry) Register(t *Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[t.ID]; dup {
		return fmt.Errorf("template ID %q already registered", t.ID)
	}
	if _, dup := r.byType[t.Type]; dup {
		return fmt.Errorf("template type %q already registered", t.Type)
	}
	r.byID[t.ID] = t
	r.byType[t.Type] = t
	return nil
}

// ByID returns the template with the given ID.
func (r *Registry) ByID(id string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("template %q: %w", id, ErrNotFound)
	}
	return t, nil
}

// ByType returns the template producing the given asset type.
func (r *Registry) ByType(assetType string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byType[assetType]
	if !ok {
		return nil, fmt.Errorf("template for type %q: %w", assetType, ErrNotFound)
	}
	return t, nil
}

// Types returns the registered asset types, excluding the idle selection
// template, sorted for deterministic transition matching.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for typ := range r.byType {
		if typ == TypeSelection {
			continue
		}
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns a registry preloaded with the built-in content
// templates and the idle workflow-selection template.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, t := range BuiltinTemplates() {
		if err := r.Register(t); err != nil {
			// Built-ins are validated by tests; a failure here is a
			// programmer error.
			panic(err)
		}
	}
	return r
}

// BuiltinTemplates returns the stock templates: press release, social
// post, FAQ, and the idle selection workflow. Prompt skeletons are
// intentionally terse; applications supply their own wording by
// registering replacement templates.
func BuiltinTemplates() []*Template {
	return []*Template{
		{
			ID:   "tmpl-press-release",
			Name: "Press Release",
			Type: "press-release",
			Steps: []StepDef{
				{
					Name:   "collect-info",
					Type:   StepDialog,
					Order:  0,
					Prompt: "Collect the announcement details: company, news, quotes, audience.",
				},
				{
					Name:        "generate-draft",
					Type:        StepGeneration,
					Order:       1,
					DependsOn:   []string{"collect-info"},
					AutoExecute: true,
					Prompt:      "Write a press release from the collected details.",
				},
				{
					Name:        "review-draft",
					Type:        StepDialog,
					Order:       2,
					DependsOn:   []string{"generate-draft"},
					AssetReview: true,
					Prompt:      "Present the draft for review and apply requested revisions.",
				},
				{
					Name:        "derive-title",
					Type:        StepTitle,
					Order:       3,
					DependsOn:   []string{"generate-draft"},
					AutoExecute: true,
					Prompt:      "Derive a short headline for the press release.",
				},
			},
		},
		{
			ID:   "tmpl-social-post",
			Name: "Social Post",
			Type: "social-post",
			Steps: []StepDef{
				{
					Name:   "collect-info",
					Type:   StepDialog,
					Order:  0,
					Prompt: "Collect the post topic, platform, and tone.",
				},
				{
					Name:        "generate-draft",
					Type:        StepGeneration,
					Order:       1,
					DependsOn:   []string{"collect-info"},
					AutoExecute: true,
					Prompt:      "Write a social media post from the collected details.",
				},
				{
					Name:        "review-draft",
					Type:        StepDialog,
					Order:       2,
					DependsOn:   []string{"generate-draft"},
					AssetReview: true,
					Prompt:      "Present the post for review and apply requested revisions.",
				},
			},
		},
		{
			ID:   "tmpl-faq",
			Name: "FAQ",
			Type: "faq",
			Steps: []StepDef{
				{
					Name:   "collect-info",
					Type:   StepDialog,
					Order:  0,
					Prompt: "Collect the product or topic and the questions to cover.",
				},
				{
					Name:        "generate-draft",
					Type:        StepGeneration,
					Order:       1,
					DependsOn:   []string{"collect-info"},
					AutoExecute: true,
					Prompt:      "Write an FAQ document from the collected details.",
				},
				{
					Name:        "review-draft",
					Type:        StepDialog,
					Order:       2,
					DependsOn:   []string{"generate-draft"},
					AssetReview: true,
					Prompt:      "Present the FAQ for review and apply requested revisions.",
				},
			},
		},
		{
			ID:   "tmpl-selection",
			Name: "Workflow Selection",
			Type: TypeSelection,
			Steps: []StepDef{
				{
					Name:   "select-workflow",
					Type:   StepDialog,
					Order:  0,
					Prompt: "Help the user choose what to create: press release, social post, or FAQ.",
				},
			},
		},
	}
}
