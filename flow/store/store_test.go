package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/draftflow/flowkit/flow"
	"github.com/draftflow/flowkit/flow/store"
)

// fullStore is what every backend implements.
type fullStore interface {
	flow.Store
	flow.ThreadStore
}

// runStoreConformance exercises the shared Store semantics against one
// backend. Every backend must pass the same suite. Thread IDs and keys
// are unique per subtest so the suite can run against a persistent
// database.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) fullStore) {
	ctx := context.Background()
	newThread := func() string { return "t-" + uuid.NewString() }

	stepDefs := []flow.StepDef{
		{Name: "collect", Type: flow.StepDialog, Order: 0},
		{Name: "generate", Type: flow.StepGeneration, Order: 1, DependsOn: []string{"collect"}, AutoExecute: true},
	}

	seed := func(t *testing.T, s fullStore, threadID string) *flow.Workflow {
		t.Helper()
		wf, err := s.CreateWorkflow(ctx, threadID, "tmpl-1", "press-release")
		if err != nil {
			t.Fatalf("CreateWorkflow: %v", err)
		}
		for _, def := range stepDefs {
			if _, err := s.CreateStep(ctx, wf.ID, def); err != nil {
				t.Fatalf("CreateStep %s: %v", def.Name, err)
			}
		}
		wf, err = s.GetWorkflow(ctx, wf.ID)
		if err != nil {
			t.Fatalf("GetWorkflow: %v", err)
		}
		return wf
	}

	t.Run("create and load workflow", func(t *testing.T) {
		s := newStore(t)
		wf := seed(t, s, newThread())

		if wf.Status != flow.WorkflowActive {
			t.Errorf("status = %s, want ACTIVE", wf.Status)
		}
		if len(wf.Steps) != 2 {
			t.Fatalf("steps = %d, want 2", len(wf.Steps))
		}
		if wf.Steps[0].Name != "collect" || wf.Steps[1].Name != "generate" {
			t.Errorf("steps out of order: %s, %s", wf.Steps[0].Name, wf.Steps[1].Name)
		}
		if wf.Steps[0].Status != flow.StepPending {
			t.Errorf("fresh step status = %s, want PENDING", wf.Steps[0].Status)
		}
		if !wf.Steps[1].AutoExecute {
			t.Error("auto_execute flag lost")
		}
		if wf.Steps[1].DependsOn[0] != "collect" {
			t.Errorf("depends_on lost: %v", wf.Steps[1].DependsOn)
		}
		if wf.Steps[0].Payload.Kind() != flow.KindDialog {
			t.Errorf("payload kind = %q, want dialog", wf.Steps[0].Payload.Kind())
		}
	})

	t.Run("unknown ids wrap ErrNotFound", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.GetWorkflow(ctx, "nope"); !errors.Is(err, flow.ErrNotFound) {
			t.Errorf("GetWorkflow err = %v", err)
		}
		if _, err := s.GetStep(ctx, "nope"); !errors.Is(err, flow.ErrNotFound) {
			t.Errorf("GetStep err = %v", err)
		}
		if _, err := s.ActiveWorkflow(ctx, "no-thread"); !errors.Is(err, flow.ErrNotFound) {
			t.Errorf("ActiveWorkflow err = %v", err)
		}
	})

	t.Run("one active workflow per thread", func(t *testing.T) {
		s := newStore(t)
		tid := newThread()
		seed(t, s, tid)
		if _, err := s.CreateWorkflow(ctx, tid, "tmpl-2", "faq"); err == nil {
			t.Fatal("second ACTIVE workflow on the thread was allowed")
		}
	})

	t.Run("active workflow lookup", func(t *testing.T) {
		s := newStore(t)
		tid := newThread()
		wf := seed(t, s, tid)
		if err := s.UpdateWorkflowStatus(ctx, wf.ID, flow.WorkflowCompleted); err != nil {
			t.Fatalf("UpdateWorkflowStatus: %v", err)
		}
		if _, err := s.ActiveWorkflow(ctx, tid); !errors.Is(err, flow.ErrNotFound) {
			t.Errorf("completed workflow still reported active: %v", err)
		}
		second, err := s.CreateWorkflow(ctx, tid, "tmpl-2", "faq")
		if err != nil {
			t.Fatalf("CreateWorkflow after completion: %v", err)
		}
		got, err := s.ActiveWorkflow(ctx, tid)
		if err != nil || got.ID != second.ID {
			t.Fatalf("ActiveWorkflow = %v, %v; want %s", got, err, second.ID)
		}
	})

	t.Run("partial step updates", func(t *testing.T) {
		s := newStore(t)
		wf := seed(t, s, newThread())
		step := wf.Steps[0]

		p := flow.NewDialogPayload()
		p.Dialog.Question = "What company?"
		p.Dialog.Collected["k"] = "v"
		if err := s.UpdateStep(ctx, step.ID, flow.PayloadUpdate(p)); err != nil {
			t.Fatalf("UpdateStep payload: %v", err)
		}

		got, err := s.GetStep(ctx, step.ID)
		if err != nil {
			t.Fatalf("GetStep: %v", err)
		}
		if got.Status != flow.StepPending {
			t.Errorf("payload-only update changed status to %s", got.Status)
		}
		if got.Payload.Dialog.Question != "What company?" || got.Payload.Dialog.Collected["k"] != "v" {
			t.Errorf("payload not persisted: %+v", got.Payload.Dialog)
		}

		input := "we have news"
		done := flow.StepComplete
		if err := s.UpdateStep(ctx, step.ID, flow.StepUpdate{Status: &done, UserInput: &input}); err != nil {
			t.Fatalf("UpdateStep status: %v", err)
		}
		got, _ = s.GetStep(ctx, step.ID)
		if got.Status != flow.StepComplete || got.UserInput != input {
			t.Errorf("step = %s %q", got.Status, got.UserInput)
		}
		if got.Payload.Dialog.Question != "What company?" {
			t.Error("status update clobbered the payload")
		}
	})

	t.Run("current step promotion is exclusive", func(t *testing.T) {
		s := newStore(t)
		wf := seed(t, s, newThread())

		if err := s.UpdateWorkflowCurrentStep(ctx, wf.ID, wf.Steps[0].ID); err != nil {
			t.Fatalf("promote: %v", err)
		}
		got, _ := s.GetWorkflow(ctx, wf.ID)
		if got.CurrentStepID != wf.Steps[0].ID {
			t.Errorf("CurrentStepID = %q", got.CurrentStepID)
		}
		if got.Steps[0].Status != flow.StepInProgress {
			t.Errorf("promoted step status = %s", got.Steps[0].Status)
		}

		if err := s.UpdateWorkflowCurrentStep(ctx, wf.ID, wf.Steps[1].ID); !errors.Is(err, flow.ErrStepConflict) {
			t.Fatalf("conflicting promote err = %v, want ErrStepConflict", err)
		}

		// Promoting the same step again is idempotent.
		if err := s.UpdateWorkflowCurrentStep(ctx, wf.ID, wf.Steps[0].ID); err != nil {
			t.Fatalf("re-promote: %v", err)
		}
	})

	t.Run("delete cascades to steps", func(t *testing.T) {
		s := newStore(t)
		wf := seed(t, s, newThread())
		stepID := wf.Steps[0].ID

		if err := s.DeleteWorkflow(ctx, wf.ID); err != nil {
			t.Fatalf("DeleteWorkflow: %v", err)
		}
		if _, err := s.GetWorkflow(ctx, wf.ID); !errors.Is(err, flow.ErrNotFound) {
			t.Errorf("workflow survived delete: %v", err)
		}
		if _, err := s.GetStep(ctx, stepID); !errors.Is(err, flow.ErrNotFound) {
			t.Errorf("step survived delete: %v", err)
		}
	})

	t.Run("idempotency claim and release", func(t *testing.T) {
		s := newStore(t)
		key := "key-" + uuid.NewString()
		claimed, err := s.ClaimIdempotency(ctx, key)
		if err != nil || !claimed {
			t.Fatalf("first claim = %v, %v", claimed, err)
		}
		claimed, err = s.ClaimIdempotency(ctx, key)
		if err != nil || claimed {
			t.Fatalf("second claim = %v, %v; want false", claimed, err)
		}
		if err := s.ReleaseIdempotency(ctx, key); err != nil {
			t.Fatalf("release: %v", err)
		}
		claimed, err = s.ClaimIdempotency(ctx, key)
		if err != nil || !claimed {
			t.Fatalf("claim after release = %v, %v; want true", claimed, err)
		}
		if err := s.ReleaseIdempotency(ctx, "never-claimed"); err != nil {
			t.Fatalf("release unknown key: %v", err)
		}
	})

	t.Run("thread messages keep order", func(t *testing.T) {
		s := newStore(t)
		tid := newThread()
		for _, content := range []string{"one", "two", "three"} {
			if err := s.AppendMessage(ctx, tid, flow.ThreadMessage{Role: "user", Content: content}); err != nil {
				t.Fatalf("AppendMessage: %v", err)
			}
		}
		msgs, err := s.ListRecentMessages(ctx, tid, 2)
		if err != nil {
			t.Fatalf("ListRecentMessages: %v", err)
		}
		if len(msgs) != 2 {
			t.Fatalf("got %d messages, want 2", len(msgs))
		}
		if msgs[0].Content != "two" || msgs[1].Content != "three" {
			t.Errorf("messages = %q, %q; want the newest two oldest-first", msgs[0].Content, msgs[1].Content)
		}
	})
}

func TestMemStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) fullStore {
		return store.NewMemStore()
	})
}

func TestMemStoreCloneIsolation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore()

	wf, err := s.CreateWorkflow(ctx, "t1", "tmpl", "faq")
	if err != nil {
		t.Fatalf("CreateWorkflow: %v", err)
	}
	if _, err := s.CreateStep(ctx, wf.ID, flow.StepDef{Name: "collect", Type: flow.StepDialog, Order: 0}); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	first, _ := s.GetWorkflow(ctx, wf.ID)
	first.Steps[0].Status = flow.StepComplete
	first.Steps[0].Payload.Dialog.Collected["leak"] = "yes"

	second, _ := s.GetWorkflow(ctx, wf.ID)
	if second.Steps[0].Status != flow.StepPending {
		t.Error("mutating a loaded workflow changed stored status")
	}
	if _, ok := second.Steps[0].Payload.Dialog.Collected["leak"]; ok {
		t.Error("mutating a loaded payload changed stored state")
	}
}
