// Package flow implements a dependency-ordered step state machine for
// conversational content-generation workflows.
//
// A Workflow is one run of a Template: an ordered set of Steps (dialog,
// generation, auto-execute, title) connected by named dependencies. The
// package provides:
//   - Scheduler: picks the next eligible step from the dependency graph
//   - Dispatcher: executes a step against a completion model
//   - Detector: recognizes cross-workflow transition requests
//   - Manager: drives a full user turn end to end and owns the lifecycle
//
// Persistence, knowledge retrieval, and text generation are consumed
// through narrow adapter interfaces (Store, rag.Retriever, model.Completer)
// so the core stays deterministic and unit-testable with fakes.
package flow

import "time"

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "ACTIVE"
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	WorkflowFailed    WorkflowStatus = "FAILED"
)

// StepStatus is the execution state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "PENDING"
	StepInProgress StepStatus = "IN_PROGRESS"
	StepComplete   StepStatus = "COMPLETE"
	StepFailed     StepStatus = "FAILED"
)

// StepType selects the execution strategy for a step.
type StepType string

const (
	// StepDialog is a conversational turn: the model either asks a
	// follow-up question or reports the collected information complete.
	StepDialog StepType = "DIALOG"

	// StepGeneration produces a content artifact in a single model call.
	StepGeneration StepType = "GENERATION"

	// StepAutoExecute behaves like DIALOG or GENERATION depending on its
	// payload kind, but is triggered by the Manager rather than by a user
	// turn.
	StepAutoExecute StepType = "AUTO_EXECUTE"

	// StepTitle derives a short label in one round trip and is never
	// revisited.
	StepTitle StepType = "TITLE"
)

// Workflow is one run of a Template on a conversation thread.
//
// Invariants (enforced by the Store on write, relied on everywhere):
//   - at most one ACTIVE workflow per thread
//   - at most one step per workflow is IN_PROGRESS (the current step)
type Workflow struct {
	// ID uniquely identifies this run.
	ID string `json:"id"`

	// TemplateID references the template this run was instantiated from.
	// Step definitions are copied at creation time, not read through.
	TemplateID string `json:"template_id"`

	// Type is the asset type this workflow produces (e.g. "press-release").
	Type string `json:"type"`

	// ThreadID is the owning conversation thread.
	ThreadID string `json:"thread_id"`

	Status WorkflowStatus `json:"status"`

	// CurrentStepID points at the IN_PROGRESS step, or is empty when no
	// step has been promoted yet (fresh or crash-recovered run).
	CurrentStepID string `json:"current_step_id,omitempty"`

	// Steps is ordered by Step.Order ascending.
	Steps []*Step `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one node in a workflow's execution graph.
type Step struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`

	// Name is unique within the owning workflow and is the identifier
	// dependency lists refer to.
	Name string `json:"name"`

	Type   StepType   `json:"type"`
	Status StepStatus `json:"status"`

	// Order defines the step's topological position. Orders are unique
	// within a workflow at creation time.
	Order int `json:"order"`

	// DependsOn lists names of steps in the same workflow that must be
	// COMPLETE before this step may enter IN_PROGRESS.
	DependsOn []string `json:"depends_on,omitempty"`

	// AutoExecute marks steps the Manager runs immediately once their
	// dependencies complete, without waiting for user input.
	AutoExecute bool `json:"auto_execute,omitempty"`

	// Prompt is the instruction skeleton copied from the step definition.
	Prompt string `json:"prompt,omitempty"`

	// Payload holds the typed per-step data (see Payload).
	Payload Payload `json:"payload"`

	// UserInput is the most recent raw user text routed to this step.
	UserInput string `json:"user_input,omitempty"`
}

// StepByName returns the step with the given name, or nil.
func (w *Workflow) StepByName(name string) *Step {
	for _, s := range w.Steps {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// StepByID returns the step with the given ID, or nil.
func (w *Workflow) StepByID(id string) *Step {
	for _, s := range w.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// InProgress returns the step currently IN_PROGRESS, or nil.
func (w *Workflow) InProgress() *Step {
	for _, s := range w.Steps {
		if s.Status == StepInProgress {
			return s
		}
	}
	return nil
}

// Finished reports whether every step reached a terminal status.
func (w *Workflow) Finished() bool {
	for _, s := range w.Steps {
		if s.Status == StepPending || s.Status == StepInProgress {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Stores hand out clones so callers can mutate
// freely between persistence calls.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Steps = make([]*Step, len(w.Steps))
	for i, s := range w.Steps {
		cp.Steps[i] = s.Clone()
	}
	return &cp
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	cp := *s
	if s.DependsOn != nil {
		cp.DependsOn = append([]string(nil), s.DependsOn...)
	}
	cp.Payload = s.Payload.Clone()
	return &cp
}
