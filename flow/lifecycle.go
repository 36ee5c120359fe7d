package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/draftflow/flowkit/flow/emit"
	"github.com/draftflow/flowkit/flow/rag"
)

// Turn is one user message delivered to the engine.
type Turn struct {
	ThreadID string
	UserID   string
	OrgID    string
	Input    string

	// Profile carries the user's defaults into context assembly.
	Profile rag.Profile
}

// TurnResult is what one handled turn produced.
type TurnResult struct {
	// Response is the user-facing text, possibly several step outputs
	// joined by blank lines. Empty when every executed step was silent.
	Response string

	// WorkflowID and WorkflowType identify the workflow that answered.
	// After a transition they describe the newly created workflow.
	WorkflowID   string
	WorkflowType string

	// StepName is the step that handled the input.
	StepName string

	// WorkflowCompleted is true when this turn finished the workflow. A
	// fresh idle workflow already exists on the thread in that case.
	WorkflowCompleted bool

	// TransitionedTo is the asset type switched to mid-conversation, if
	// any.
	TransitionedTo string

	// Stalled is true when the workflow has pending steps but nothing
	// runnable. The workflow stays ACTIVE; this is a data problem to
	// surface, not a crash.
	Stalled bool

	// Retryable is true when an auto-executed step hit a transient model
	// failure after part of the response was already produced. The step
	// stays IN_PROGRESS; the next turn resumes it.
	Retryable bool
}

const (
	stalledResponse  = "This workflow is waiting on steps that can never become ready. It needs to be repaired or abandoned."
	tryAgainResponse = "I hit a temporary problem finishing that. Send another message and I'll pick up where we left off."
)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEmitter sets the event emitter.
func WithEmitter(em emit.Emitter) ManagerOption {
	return func(m *Manager) {
		if em != nil {
			m.emitter = em
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHistoryLimit bounds how many thread messages feed back into prompts.
func WithHistoryLimit(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.historyLimit = n
		}
	}
}

// WithMaxAutoSteps bounds the auto-execute chain run within a single turn.
func WithMaxAutoSteps(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxAuto = n
		}
	}
}

// Manager drives a full conversational turn end to end: it owns workflow
// creation, the idle-workflow guarantee, step promotion, auto-execution,
// cross-workflow transitions, and completion.
//
// Thread-level invariants it maintains through the Store:
//   - every thread with activity has exactly one ACTIVE workflow
//   - at most one step per workflow is IN_PROGRESS
//   - each (workflow, step, input) turn fires side effects at most once
type Manager struct {
	store      Store
	threads    ThreadStore
	pipeline   *rag.Pipeline
	dispatcher *Dispatcher
	detector   *Detector
	scheduler  Scheduler
	templates  *Registry
	emitter    emit.Emitter
	metrics    *Metrics

	historyLimit int
	maxAuto      int
}

// NewManager wires the engine together. threads may be nil when no
// conversation history should be persisted; detector may be nil to disable
// cross-workflow transitions.
func NewManager(store Store, threads ThreadStore, pipeline *rag.Pipeline, dispatcher *Dispatcher, detector *Detector, templates *Registry, opts ...ManagerOption) *Manager {
	if pipeline == nil {
		pipeline = rag.NewPipeline(nil, nil)
	}
	if templates == nil {
		templates = DefaultRegistry()
	}
	m := &Manager{
		store:        store,
		threads:      threads,
		pipeline:     pipeline,
		dispatcher:   dispatcher,
		detector:     detector,
		templates:    templates,
		emitter:      emit.NewNullEmitter(),
		historyLimit: 20,
		maxAuto:      8,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// HandleTurn routes one user message to the thread's active workflow,
// executes the current step plus any auto-execute chain it unlocks, and
// returns the combined response.
//
// Returns ErrDuplicateTurn (wrapped) when the identical input was already
// delivered to the same step. Returns a retryable error (see IsRetryable)
// when the model was unreachable; the step stays IN_PROGRESS and the same
// turn may be retried.
func (m *Manager) HandleTurn(ctx context.Context, turn Turn) (*TurnResult, error) {
	return m.handleTurn(ctx, turn, nil)
}

// HandleTurnStream is HandleTurn with incremental output: generation and
// title steps forward model chunks through onChunk as they arrive. The
// returned TurnResult still carries the complete response.
func (m *Manager) HandleTurnStream(ctx context.Context, turn Turn, onChunk func(string) error) (*TurnResult, error) {
	return m.handleTurn(ctx, turn, onChunk)
}

func (m *Manager) handleTurn(ctx context.Context, turn Turn, onChunk func(string) error) (*TurnResult, error) {
	wf, err := m.ensureActive(ctx, turn.ThreadID)
	if err != nil {
		return nil, err
	}

	step, err := m.ensureCurrent(ctx, wf)
	if err != nil {
		return nil, err
	}
	if step == nil {
		if !wf.Finished() {
			m.metrics.WorkflowStalled()
			m.metrics.TurnProcessed(wf.Type, "stalled")
			m.emit(wf, "", "workflow_stalled", nil)
			return &TurnResult{
				Response:     stalledResponse,
				WorkflowID:   wf.ID,
				WorkflowType: wf.Type,
				Stalled:      true,
			}, nil
		}
		// Every step done but the workflow was never closed out, e.g. a
		// crash between the last step and completion. Close it and let the
		// fresh idle workflow take the turn.
		if wf, err = m.finishWorkflow(ctx, wf); err != nil {
			return nil, err
		}
		if step, err = m.ensureCurrent(ctx, wf); err != nil {
			return nil, err
		}
		if step == nil {
			return nil, fmt.Errorf("thread %s: idle workflow has no runnable step", turn.ThreadID)
		}
	}

	// Idempotency gate, claimed before any side effect fires.
	key := TurnKey(wf.ID, step.ID, turn.Input)
	claimed, err := m.store.ClaimIdempotency(ctx, key)
	if err != nil {
		return nil, err
	}
	if !claimed {
		m.metrics.TurnProcessed(wf.Type, "duplicate")
		return nil, fmt.Errorf("thread %s step %s: %w", turn.ThreadID, step.Name, ErrDuplicateTurn)
	}

	result, err := m.claimedTurn(ctx, turn, wf, step, onChunk)
	if err != nil {
		// Release the claim on any failure after it was taken, whether the
		// model call or a store write broke. The turn's side effects did not
		// all land, so the user must be able to resend the same message.
		_ = m.store.ReleaseIdempotency(ctx, key)
		m.metrics.TurnProcessed(wf.Type, "error")
		return nil, err
	}
	return result, nil
}

// claimedTurn runs everything behind the idempotency gate. Any error it
// returns makes handleTurn release the turn's claim.
func (m *Manager) claimedTurn(ctx context.Context, turn Turn, wf *Workflow, step *Step, onChunk func(string) error) (*TurnResult, error) {
	if err := m.appendMessage(ctx, turn.ThreadID, "user", turn.Input, wf.ID, step.ID); err != nil {
		return nil, err
	}

	fc := m.assemble(ctx, turn, wf, step, turn.Input)

	outcome, err := m.exec(ctx, wf, step, turn.Input, fc, onChunk)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		StepName:     step.Name,
	}
	var parts []string
	if outcome.Response != "" {
		parts = append(parts, outcome.Response)
	}

	if target := m.transitionTarget(wf, outcome, turn.Input); target != "" {
		// Persist the outgoing step's state before abandoning the workflow
		// so carryover extraction on a reload sees it too.
		if err := m.persistStep(ctx, step, turn.Input); err != nil {
			return nil, err
		}
		newWf, err := m.switchWorkflow(ctx, wf, target)
		if err != nil {
			return nil, err
		}
		result.TransitionedTo = target
		result.WorkflowID = newWf.ID
		result.WorkflowType = newWf.Type
		if cur := newWf.InProgress(); cur != nil {
			result.StepName = cur.Name
		}
		result.Response = strings.Join(parts, "\n\n")
		if err := m.appendMessage(ctx, turn.ThreadID, "assistant", result.Response, newWf.ID, ""); err != nil {
			return nil, err
		}
		m.metrics.TurnProcessed(wf.Type, "ok")
		return result, nil
	}

	next, completed, stalled, err := m.applyOutcome(ctx, wf, step, turn.Input, outcome)
	if err != nil {
		return nil, err
	}
	result.WorkflowCompleted = completed
	result.Stalled = stalled

	if !completed && !stalled {
		autoParts, autoCompleted, autoStalled, aerr := m.runAutoSteps(ctx, wf, turn, next, onChunk)
		parts = append(parts, autoParts...)
		result.WorkflowCompleted = autoCompleted
		result.Stalled = autoStalled
		if aerr != nil {
			if !IsRetryable(aerr) {
				return nil, aerr
			}
			parts = append(parts, tryAgainResponse)
			result.Retryable = true
		}
	}

	result.Response = strings.Join(parts, "\n\n")
	if result.Response != "" {
		if err := m.appendMessage(ctx, turn.ThreadID, "assistant", result.Response, wf.ID, step.ID); err != nil {
			return nil, err
		}
	}
	m.metrics.TurnProcessed(wf.Type, "ok")
	m.emit(wf, step.Name, "turn_complete", map[string]interface{}{
		"completed": result.WorkflowCompleted,
	})
	return result, nil
}

// ensureActive returns the thread's ACTIVE workflow, creating the idle
// selection workflow when the thread has none.
func (m *Manager) ensureActive(ctx context.Context, threadID string) (*Workflow, error) {
	wf, err := m.store.ActiveWorkflow(ctx, threadID)
	if err == nil {
		return wf, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return m.createWorkflow(ctx, threadID, TypeSelection, Carryover{})
}

// ensureCurrent resolves and, if necessary, promotes the workflow's current
// step. Returns nil when nothing can run (finished or stalled workflow).
func (m *Manager) ensureCurrent(ctx context.Context, wf *Workflow) (*Step, error) {
	if wf.CurrentStepID != "" {
		if s := wf.StepByID(wf.CurrentStepID); s != nil && s.Status == StepInProgress {
			return s, nil
		}
	}
	step := m.scheduler.Recover(wf)
	if step == nil {
		return nil, nil
	}
	if step.Status != StepInProgress {
		if err := m.store.UpdateWorkflowCurrentStep(ctx, wf.ID, step.ID); err != nil {
			return nil, err
		}
		step.Status = StepInProgress
	}
	wf.CurrentStepID = step.ID
	return step, nil
}

// createWorkflow instantiates a template on a thread, seeds carryover into
// its first dialog step, and promotes the first runnable step. Creation is
// silent: no prompt runs until the next user turn reaches the workflow.
func (m *Manager) createWorkflow(ctx context.Context, threadID, assetType string, c Carryover) (*Workflow, error) {
	tmpl, err := m.templates.ByType(assetType)
	if err != nil {
		return nil, err
	}

	wf, err := m.store.CreateWorkflow(ctx, threadID, tmpl.ID, tmpl.Type)
	if err != nil {
		return nil, err
	}

	defs := append([]StepDef(nil), tmpl.Steps...)
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Order < defs[j].Order })
	for _, def := range defs {
		s, err := m.store.CreateStep(ctx, wf.ID, def)
		if err != nil {
			return nil, err
		}
		wf.Steps = append(wf.Steps, s)
	}

	if seeded := SeedCarryover(wf, c); seeded != nil {
		if err := m.store.UpdateStep(ctx, seeded.ID, PayloadUpdate(seeded.Payload)); err != nil {
			return nil, err
		}
	}

	if first := m.scheduler.Recover(wf); first != nil {
		if err := m.store.UpdateWorkflowCurrentStep(ctx, wf.ID, first.ID); err != nil {
			return nil, err
		}
		first.Status = StepInProgress
		wf.CurrentStepID = first.ID
	}

	m.emit(wf, "", "workflow_created", map[string]interface{}{"asset_type": wf.Type})
	return wf, nil
}

// finishWorkflow closes out a workflow and spawns the replacement idle
// workflow, keeping the one-ACTIVE-per-thread guarantee. Returns the idle
// workflow.
func (m *Manager) finishWorkflow(ctx context.Context, wf *Workflow) (*Workflow, error) {
	if err := m.store.UpdateWorkflowStatus(ctx, wf.ID, WorkflowCompleted); err != nil {
		return nil, err
	}
	wf.Status = WorkflowCompleted
	m.emit(wf, "", "workflow_completed", map[string]interface{}{"asset_type": wf.Type})
	return m.createWorkflow(ctx, wf.ThreadID, TypeSelection, Carryover{})
}

// switchWorkflow completes the current workflow and creates its successor
// with carried-over state. Selection workflows carry nothing.
func (m *Manager) switchWorkflow(ctx context.Context, old *Workflow, target string) (*Workflow, error) {
	var c Carryover
	if old.Type != TypeSelection {
		c = ExtractCarryover(old)
	}
	if err := m.store.UpdateWorkflowStatus(ctx, old.ID, WorkflowCompleted); err != nil {
		return nil, err
	}
	old.Status = WorkflowCompleted

	newWf, err := m.createWorkflow(ctx, old.ThreadID, target, c)
	if err != nil {
		return nil, err
	}
	m.metrics.Transition(old.Type, target)
	m.emit(newWf, "", "workflow_transition", map[string]interface{}{
		"from": old.Type,
		"to":   target,
	})
	return newWf, nil
}

// transitionTarget decides whether this turn switches workflows: an
// explicit target from the dialog model wins, then the regex detector.
// Unknown types and self-transitions never fire.
func (m *Manager) transitionTarget(wf *Workflow, outcome *Outcome, userInput string) string {
	if t := normalizeAssetType(outcome.TargetWorkflow); t != "" && t != wf.Type {
		if _, err := m.templates.ByType(t); err == nil {
			return t
		}
	}
	if m.detector != nil {
		if t, ok := m.detector.Detect(outcome.Response, userInput, wf.Type); ok {
			if _, err := m.templates.ByType(t); err == nil {
				return t
			}
		}
	}
	return ""
}

// normalizeAssetType maps free-form model output like "social media post"
// onto registered asset types.
func normalizeAssetType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "-")
	switch s {
	case "social-media-post":
		return "social-post"
	case "frequently-asked-questions":
		return "faq"
	}
	return s
}

// applyOutcome persists the executed step and advances the workflow.
// Returns the newly promoted step (nil when the turn rests here), whether
// the workflow completed, and whether it stalled.
func (m *Manager) applyOutcome(ctx context.Context, wf *Workflow, step *Step, input string, outcome *Outcome) (*Step, bool, bool, error) {
	if err := m.persistStep(ctx, step, input); err != nil {
		return nil, false, false, err
	}
	if !outcome.StepCompleted {
		return nil, false, false, nil
	}

	var next *Step
	if outcome.AdvanceTo != "" {
		if s := wf.StepByName(outcome.AdvanceTo); s != nil && s.Status == StepPending {
			next = s
		}
	}
	if next == nil {
		next = m.scheduler.NextEligible(wf)
	}

	// An approval-style completion finishes the workflow once any trailing
	// auto steps (title derivation) have drained.
	if outcome.WorkflowCompleted && (next == nil || !next.AutoExecute) {
		if _, err := m.finishWorkflow(ctx, wf); err != nil {
			return nil, true, false, err
		}
		return nil, true, false, nil
	}

	if next == nil {
		if wf.Finished() {
			if _, err := m.finishWorkflow(ctx, wf); err != nil {
				return nil, true, false, err
			}
			return nil, true, false, nil
		}
		m.metrics.WorkflowStalled()
		m.emit(wf, step.Name, "workflow_stalled", nil)
		return nil, false, true, nil
	}

	// Persist anything the dispatcher seeded into the next step (review
	// artifact, initial question) before promoting it.
	if err := m.store.UpdateStep(ctx, next.ID, PayloadUpdate(next.Payload)); err != nil {
		return nil, false, false, err
	}
	if err := m.store.UpdateWorkflowCurrentStep(ctx, wf.ID, next.ID); err != nil {
		return nil, false, false, err
	}
	next.Status = StepInProgress
	wf.CurrentStepID = next.ID
	return next, false, false, nil
}

// runAutoSteps drains the chain of auto-execute steps unlocked by the
// user-driven step, bounded by maxAuto per turn. A transient model failure
// leaves the failing step IN_PROGRESS and is reported to the caller.
func (m *Manager) runAutoSteps(ctx context.Context, wf *Workflow, turn Turn, cur *Step, onChunk func(string) error) ([]string, bool, bool, error) {
	var parts []string
	for i := 0; i < m.maxAuto; i++ {
		if cur == nil || !cur.AutoExecute {
			return parts, false, false, nil
		}

		fc := m.assemble(ctx, turn, wf, cur, "")
		outcome, err := m.exec(ctx, wf, cur, "", fc, onChunk)
		if err != nil {
			m.emit(wf, cur.Name, "auto_step_failed", map[string]interface{}{"error": err.Error()})
			return parts, false, false, err
		}
		if outcome.Response != "" {
			parts = append(parts, outcome.Response)
		}

		next, completed, stalled, err := m.applyOutcome(ctx, wf, cur, "", outcome)
		if err != nil || completed || stalled {
			return parts, completed, stalled, err
		}
		cur = next
	}
	return parts, false, false, nil
}

// persistStep writes a step's in-memory state back to the store.
func (m *Manager) persistStep(ctx context.Context, step *Step, input string) error {
	upd := StepUpdate{Status: &step.Status, Payload: &step.Payload}
	if input != "" {
		upd.UserInput = &input
	}
	return m.store.UpdateStep(ctx, step.ID, upd)
}

// assemble runs the context pipeline for one step execution. Assembly
// never blocks a turn: retrieval failure yields a fail-closed context and
// history failure an empty history.
func (m *Manager) assemble(ctx context.Context, turn Turn, wf *Workflow, step *Step, input string) *rag.Context {
	var history []string
	if m.threads != nil {
		msgs, err := m.threads.ListRecentMessages(ctx, turn.ThreadID, m.historyLimit)
		if err == nil {
			for _, msg := range msgs {
				history = append(history, msg.Role+": "+msg.Content)
			}
		}
	}

	fc, err := m.pipeline.Assemble(ctx, rag.Request{
		User:         turn.UserID,
		Org:          turn.OrgID,
		WorkflowType: wf.Type,
		StepName:     step.Name,
		Input:        input,
		Profile:      turn.Profile,
		History:      history,
	})
	if err != nil {
		m.emit(wf, step.Name, "context_failed_closed", map[string]interface{}{"error": err.Error()})
	}
	m.metrics.ContextFiltered(fc.Dropped, fc.Redactions)
	return fc
}

func (m *Manager) exec(ctx context.Context, wf *Workflow, step *Step, input string, fc *rag.Context, onChunk func(string) error) (*Outcome, error) {
	if onChunk == nil {
		return m.dispatcher.Execute(ctx, wf, step, input, fc)
	}
	return m.dispatcher.ExecuteStream(ctx, wf, step, input, fc, onChunk)
}

func (m *Manager) appendMessage(ctx context.Context, threadID, role, content, workflowID, stepID string) error {
	if m.threads == nil || content == "" {
		return nil
	}
	return m.threads.AppendMessage(ctx, threadID, ThreadMessage{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		Role:       role,
		Content:    content,
		WorkflowID: workflowID,
		StepID:     stepID,
		CreatedAt:  time.Now().UTC(),
	})
}

func (m *Manager) emit(wf *Workflow, stepName, msg string, meta map[string]interface{}) {
	m.emitter.Emit(emit.Event{
		ThreadID:   wf.ThreadID,
		WorkflowID: wf.ID,
		StepName:   stepName,
		Msg:        msg,
		Meta:       meta,
	})
}
