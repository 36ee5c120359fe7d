package flow

import (
	"context"
	"time"
)

// Store is the persistence contract for workflow and step rows. The engine
// treats each call as atomic at row granularity; no multi-row transactions
// are required beyond that, except that UpdateWorkflowCurrentStep must be a
// single atomic transition (it is the write that enforces the one-step-
// IN_PROGRESS invariant).
//
// Implementations in flowkit/flow/store: MemStore, SQLiteStore, MySQLStore.
type Store interface {
	// GetWorkflow loads a workflow with its steps ordered by Step.Order.
	// Returns an error wrapping ErrNotFound for unknown IDs.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)

	// GetStep loads a single step by ID.
	GetStep(ctx context.Context, id string) (*Step, error)

	// ActiveWorkflow returns the ACTIVE workflow on a thread, or an error
	// wrapping ErrNotFound when the thread has none.
	ActiveWorkflow(ctx context.Context, threadID string) (*Workflow, error)

	// CreateWorkflow inserts a new ACTIVE workflow row. Steps are created
	// separately via CreateStep; the caller copies them from the template.
	CreateWorkflow(ctx context.Context, threadID, templateID, assetType string) (*Workflow, error)

	// CreateStep instantiates a step definition under a workflow, PENDING.
	CreateStep(ctx context.Context, workflowID string, def StepDef) (*Step, error)

	// UpdateStep applies the non-nil fields of upd to a step row.
	UpdateStep(ctx context.Context, id string, upd StepUpdate) error

	// UpdateWorkflowStatus sets the workflow's lifecycle status.
	UpdateWorkflowStatus(ctx context.Context, id string, status WorkflowStatus) error

	// UpdateWorkflowCurrentStep promotes stepID to IN_PROGRESS and points
	// the workflow's current-step reference at it, in one atomic
	// transition. Returns ErrStepConflict if a different step is already
	// IN_PROGRESS.
	UpdateWorkflowCurrentStep(ctx context.Context, workflowID, stepID string) error

	// DeleteWorkflow removes a workflow and cascades to its steps.
	DeleteWorkflow(ctx context.Context, id string) error

	// ClaimIdempotency records key if unseen and reports whether this call
	// claimed it. A false return means the key was already claimed and the
	// side effects it guards must be skipped.
	ClaimIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a claimed key so the same turn can be
	// retried after a transient failure. Releasing an unknown key is a
	// no-op.
	ReleaseIdempotency(ctx context.Context, key string) error
}

// StepUpdate is a partial update for a step row. Nil fields are untouched.
type StepUpdate struct {
	Status    *StepStatus
	Payload   *Payload
	UserInput *string
}

// ThreadMessage is one persisted message on a conversation thread.
type ThreadMessage struct {
	ID         string    `json:"id"`
	ThreadID   string    `json:"thread_id"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	StepID     string    `json:"step_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ThreadStore persists the conversation history the engine reads back into
// dialog prompts.
type ThreadStore interface {
	// AppendMessage appends a message to the thread.
	AppendMessage(ctx context.Context, threadID string, msg ThreadMessage) error

	// ListRecentMessages returns up to limit messages, oldest first.
	ListRecentMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)
}

// Helpers for building StepUpdate values without local temporaries.

// StatusUpdate returns a StepUpdate that only changes the status.
func StatusUpdate(s StepStatus) StepUpdate {
	return StepUpdate{Status: &s}
}

// PayloadUpdate returns a StepUpdate carrying a new payload.
func PayloadUpdate(p Payload) StepUpdate {
	return StepUpdate{Payload: &p}
}
