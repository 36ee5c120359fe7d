package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftflow/flowkit/flow"
)

// MemStore is an in-memory implementation of flow.Store and
// flow.ThreadStore. Safe for concurrent use. All data is lost when the
// process exits; use it for tests and prototyping.
type MemStore struct {
	mu          sync.RWMutex
	workflows   map[string]*flow.Workflow
	steps       map[string]*flow.Step
	messages    map[string][]flow.ThreadMessage
	idempotency map[string]struct{}
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		workflows:   make(map[string]*flow.Workflow),
		steps:       make(map[string]*flow.Step),
		messages:    make(map[string][]flow.ThreadMessage),
		idempotency: make(map[string]struct{}),
	}
}

// GetWorkflow loads a workflow with its steps ordered by Step.Order.
func (m *MemStore) GetWorkflow(ctx context.Context, id string) (*flow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	return wf.Clone(), nil
}

// GetStep loads a single step by ID.
func (m *MemStore) GetStep(ctx context.Context, id string) (*flow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[id]
	if !ok {
		return nil, notFound("step", id)
	}
	return s.Clone(), nil
}

// ActiveWorkflow returns the ACTIVE workflow on a thread.
func (m *MemStore) ActiveWorkflow(ctx context.Context, threadID string) (*flow.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, wf := range m.workflows {
		if wf.ThreadID == threadID && wf.Status == flow.WorkflowActive {
			return wf.Clone(), nil
		}
	}
	return nil, notFound("active workflow for thread", threadID)
}

// CreateWorkflow inserts a new ACTIVE workflow. At most one ACTIVE
// workflow may exist per thread.
func (m *MemStore) CreateWorkflow(ctx context.Context, threadID, templateID, assetType string) (*flow.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, wf := range m.workflows {
		if wf.ThreadID == threadID && wf.Status == flow.WorkflowActive {
			return nil, fmt.Errorf("thread %q already has active workflow %s", threadID, wf.ID)
		}
	}
	now := time.Now().UTC()
	wf := &flow.Workflow{
		ID:         uuid.NewString(),
		TemplateID: templateID,
		Type:       assetType,
		ThreadID:   threadID,
		Status:     flow.WorkflowActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.workflows[wf.ID] = wf
	return wf.Clone(), nil
}

// CreateStep instantiates a step definition under a workflow, PENDING.
func (m *MemStore) CreateStep(ctx context.Context, workflowID string, def flow.StepDef) (*flow.Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return nil, notFound("workflow", workflowID)
	}
	for _, s := range wf.Steps {
		if s.Name == def.Name {
			return nil, fmt.Errorf("workflow %s already has step %q", workflowID, def.Name)
		}
		if s.Order == def.Order {
			return nil, fmt.Errorf("workflow %s already has a step at order %d", workflowID, def.Order)
		}
	}
	s := &flow.Step{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		Name:        def.Name,
		Type:        def.Type,
		Status:      flow.StepPending,
		Order:       def.Order,
		DependsOn:   append([]string(nil), def.DependsOn...),
		AutoExecute: def.AutoExecute,
		Prompt:      def.Prompt,
		Payload:     def.DefaultPayload(),
	}
	wf.Steps = append(wf.Steps, s)
	sort.SliceStable(wf.Steps, func(i, j int) bool { return wf.Steps[i].Order < wf.Steps[j].Order })
	wf.UpdatedAt = time.Now().UTC()
	m.steps[s.ID] = s
	return s.Clone(), nil
}

// UpdateStep applies the non-nil fields of upd to a step.
func (m *MemStore) UpdateStep(ctx context.Context, id string, upd flow.StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.steps[id]
	if !ok {
		return notFound("step", id)
	}
	if upd.Status != nil {
		s.Status = *upd.Status
	}
	if upd.Payload != nil {
		s.Payload = upd.Payload.Clone()
	}
	if upd.UserInput != nil {
		s.UserInput = *upd.UserInput
	}
	if wf, ok := m.workflows[s.WorkflowID]; ok {
		wf.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// UpdateWorkflowStatus sets the workflow's lifecycle status.
func (m *MemStore) UpdateWorkflowStatus(ctx context.Context, id string, status flow.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return notFound("workflow", id)
	}
	wf.Status = status
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateWorkflowCurrentStep promotes stepID to IN_PROGRESS in one atomic
// transition. Fails with flow.ErrStepConflict when a different step is
// already IN_PROGRESS.
func (m *MemStore) UpdateWorkflowCurrentStep(ctx context.Context, workflowID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok {
		return notFound("workflow", workflowID)
	}
	target := wf.StepByID(stepID)
	if target == nil {
		return notFound("step", stepID)
	}
	for _, s := range wf.Steps {
		if s.Status == flow.StepInProgress && s.ID != stepID {
			return fmt.Errorf("workflow %s: step %q is already in progress: %w", workflowID, s.Name, flow.ErrStepConflict)
		}
	}
	target.Status = flow.StepInProgress
	wf.CurrentStepID = stepID
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteWorkflow removes a workflow and cascades to its steps.
func (m *MemStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return notFound("workflow", id)
	}
	for _, s := range wf.Steps {
		delete(m.steps, s.ID)
	}
	delete(m.workflows, id)
	return nil
}

// ClaimIdempotency records key if unseen and reports whether this call
// claimed it.
func (m *MemStore) ClaimIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.idempotency[key]; seen {
		return false, nil
	}
	m.idempotency[key] = struct{}{}
	return true, nil
}

// ReleaseIdempotency removes a claimed key. Unknown keys are a no-op.
func (m *MemStore) ReleaseIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.idempotency, key)
	return nil
}

// AppendMessage appends a message to a thread.
func (m *MemStore) AppendMessage(ctx context.Context, threadID string, msg flow.ThreadMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ThreadID = threadID
	m.messages[threadID] = append(m.messages[threadID], msg)
	return nil
}

// ListRecentMessages returns up to limit messages, oldest first.
func (m *MemStore) ListRecentMessages(ctx context.Context, threadID string, limit int) ([]flow.ThreadMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[threadID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]flow.ThreadMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Interface conformance.
var (
	_ flow.Store       = (*MemStore)(nil)
	_ flow.ThreadStore = (*MemStore)(nil)
)
