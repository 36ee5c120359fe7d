package flow_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/draftflow/flowkit/flow"
	"github.com/draftflow/flowkit/flow/model"
	"github.com/draftflow/flowkit/flow/rag"
)

// pressWorkflow builds an in-memory press-release-shaped workflow with the
// collect step complete and the generation step next.
func pressWorkflow() *flow.Workflow {
	collect := flow.NewDialogPayload()
	collect.Dialog.Collected["company"] = "Acme"
	review := flow.NewDialogPayload()
	review.Dialog.AssetReview = true
	return &flow.Workflow{
		ID:       "wf-press",
		ThreadID: "thread-1",
		Type:     "press-release",
		Status:   flow.WorkflowActive,
		Steps: []*flow.Step{
			{ID: "s0", Name: "collect-info", Type: flow.StepDialog, Order: 0, Status: flow.StepComplete, Payload: collect},
			{ID: "s1", Name: "generate-draft", Type: flow.StepGeneration, Order: 1, Status: flow.StepInProgress,
				DependsOn: []string{"collect-info"}, AutoExecute: true, Payload: flow.NewGenerationPayload()},
			{ID: "s2", Name: "review-draft", Type: flow.StepDialog, Order: 2, Status: flow.StepPending,
				DependsOn: []string{"generate-draft"}, Payload: review},
			{ID: "s3", Name: "derive-title", Type: flow.StepTitle, Order: 3, Status: flow.StepPending,
				DependsOn: []string{"generate-draft"}, AutoExecute: true, Payload: flow.NewTitlePayload()},
		},
	}
}

func emptyContext(input string) *rag.Context {
	return &rag.Context{Input: input}
}

func TestDispatcherDialog(t *testing.T) {
	t.Run("incomplete turn asks a question", func(t *testing.T) {
		mock := &model.MockCompleter{Responses: []model.Completion{
			{Text: `{"is_complete": false, "question": "What company is announcing?"}`},
		}}
		d := flow.NewDispatcher(mock)

		wf := pressWorkflow()
		step := wf.StepByName("collect-info")
		step.Status = flow.StepInProgress

		out, err := d.Execute(context.Background(), wf, step, "we have news", emptyContext("we have news"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.StepCompleted {
			t.Error("StepCompleted = true for an incomplete dialog")
		}
		if out.Response != "What company is announcing?" {
			t.Errorf("Response = %q", out.Response)
		}
		if step.Status != flow.StepInProgress {
			t.Errorf("step status = %s, want IN_PROGRESS", step.Status)
		}
		if step.Payload.Dialog.Question != "What company is announcing?" {
			t.Errorf("pending question not recorded: %+v", step.Payload.Dialog)
		}
	})

	t.Run("complete turn collects and finishes", func(t *testing.T) {
		mock := &model.MockCompleter{Responses: []model.Completion{
			{Text: `{"is_complete": true, "collected": {"company": "Acme", "news": "Series B"}}`},
		}}
		d := flow.NewDispatcher(mock)

		wf := pressWorkflow()
		step := wf.StepByName("collect-info")
		step.Status = flow.StepInProgress

		out, err := d.Execute(context.Background(), wf, step, "Acme raised a Series B", emptyContext("Acme raised a Series B"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !out.StepCompleted {
			t.Error("StepCompleted = false for a complete dialog")
		}
		if step.Status != flow.StepComplete {
			t.Errorf("step status = %s, want COMPLETE", step.Status)
		}
		if step.Payload.Dialog.Collected["news"] != "Series B" {
			t.Errorf("collected not merged: %v", step.Payload.Dialog.Collected)
		}
	})

	t.Run("json wrapped in prose still parses", func(t *testing.T) {
		mock := &model.MockCompleter{Responses: []model.Completion{
			{Text: "Here you go:\n```json\n{\"is_complete\": false, \"question\": \"Which platform?\"}\n```"},
		}}
		d := flow.NewDispatcher(mock)

		wf := pressWorkflow()
		step := wf.StepByName("collect-info")
		step.Status = flow.StepInProgress

		out, err := d.Execute(context.Background(), wf, step, "hi", emptyContext("hi"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.Response != "Which platform?" {
			t.Errorf("Response = %q", out.Response)
		}
	})

	t.Run("unparseable output is an unclear turn", func(t *testing.T) {
		mock := &model.MockCompleter{Responses: []model.Completion{
			{Text: "Sure! Happy to help with that."},
		}}
		d := flow.NewDispatcher(mock)

		wf := pressWorkflow()
		step := wf.StepByName("collect-info")
		step.Status = flow.StepInProgress

		out, err := d.Execute(context.Background(), wf, step, "hm", emptyContext("hm"))
		if err != nil {
			t.Fatalf("Execute: %v, want graceful fallback", err)
		}
		if out.StepCompleted {
			t.Error("StepCompleted = true on unparseable output")
		}
		if out.Response == "" {
			t.Error("Response empty; expected a re-prompt")
		}
		if step.Status != flow.StepInProgress {
			t.Errorf("step status = %s, want IN_PROGRESS", step.Status)
		}
	})

	t.Run("selection dialog reports the target workflow", func(t *testing.T) {
		mock := &model.MockCompleter{Responses: []model.Completion{
			{Text: `{"is_complete": true, "collected": {}, "target_workflow": "press-release"}`},
		}}
		d := flow.NewDispatcher(mock)

		wf := &flow.Workflow{
			ID: "wf-idle", ThreadID: "thread-1", Type: flow.TypeSelection, Status: flow.WorkflowActive,
			Steps: []*flow.Step{
				{ID: "sel", Name: "select-workflow", Type: flow.StepDialog, Order: 0,
					Status: flow.StepInProgress, Payload: flow.NewDialogPayload()},
			},
		}
		out, err := d.Execute(context.Background(), wf, wf.Steps[0], "I need a press release", emptyContext("I need a press release"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.TargetWorkflow != "press-release" {
			t.Errorf("TargetWorkflow = %q", out.TargetWorkflow)
		}
	})
}

func TestDispatcherGeneration(t *testing.T) {
	mock := &model.MockCompleter{Responses: []model.Completion{
		{Text: "FOR IMMEDIATE RELEASE: Acme raises Series B."},
	}}
	d := flow.NewDispatcher(mock)

	wf := pressWorkflow()
	step := wf.StepByName("generate-draft")

	out, err := d.Execute(context.Background(), wf, step, "", emptyContext(""))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.StepCompleted {
		t.Error("StepCompleted = false")
	}
	if step.Payload.Generation.Artifact != "FOR IMMEDIATE RELEASE: Acme raises Series B." {
		t.Errorf("artifact = %q", step.Payload.Generation.Artifact)
	}
	if out.AdvanceTo != "review-draft" {
		t.Errorf("AdvanceTo = %q, want review-draft", out.AdvanceTo)
	}
	review := wf.StepByName("review-draft")
	if review.Payload.Dialog.Artifact != step.Payload.Generation.Artifact {
		t.Error("review step not seeded with the artifact")
	}
	if !strings.Contains(out.Response, "FOR IMMEDIATE RELEASE") {
		t.Errorf("Response = %q, want it to include the draft", out.Response)
	}
}

func TestDispatcherReview(t *testing.T) {
	setup := func(responses ...model.Completion) (*flow.Dispatcher, *flow.Workflow, *flow.Step, *model.MockCompleter) {
		mock := &model.MockCompleter{Responses: responses}
		d := flow.NewDispatcher(mock)
		wf := pressWorkflow()
		gen := wf.StepByName("generate-draft")
		gen.Status = flow.StepComplete
		gen.Payload.Generation.Artifact = "Draft v1"
		review := wf.StepByName("review-draft")
		review.Status = flow.StepInProgress
		review.Payload.Dialog.Artifact = "Draft v1"
		return d, wf, review, mock
	}

	t.Run("approval completes the workflow", func(t *testing.T) {
		d, wf, review, mock := setup()
		out, err := d.Execute(context.Background(), wf, review, "looks good, approved", emptyContext("looks good, approved"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if !out.StepCompleted || !out.WorkflowCompleted {
			t.Errorf("outcome = %+v, want step and workflow completed", out)
		}
		if mock.CallCount() != 0 {
			t.Errorf("approval made %d model calls, want 0", mock.CallCount())
		}
	})

	t.Run("revision regenerates in place", func(t *testing.T) {
		d, wf, review, _ := setup(model.Completion{Text: "Draft v2"})
		out, err := d.Execute(context.Background(), wf, review, "make it shorter", emptyContext("make it shorter"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.StepCompleted || out.WorkflowCompleted {
			t.Errorf("outcome = %+v, revision must keep the review open", out)
		}
		gen := wf.StepByName("generate-draft")
		if gen.Payload.Generation.Artifact != "Draft v2" {
			t.Errorf("generation artifact = %q, want Draft v2", gen.Payload.Generation.Artifact)
		}
		if gen.Payload.Generation.Revision != 1 {
			t.Errorf("revision = %d, want 1", gen.Payload.Generation.Revision)
		}
		if review.Payload.Dialog.Feedback != "make it shorter" {
			t.Errorf("feedback = %q", review.Payload.Dialog.Feedback)
		}
		if !strings.Contains(out.Response, "Draft v2") {
			t.Errorf("Response = %q, want revised draft", out.Response)
		}
	})

	t.Run("ambiguous feedback asks for clarification", func(t *testing.T) {
		d, wf, review, mock := setup()
		out, err := d.Execute(context.Background(), wf, review, "hmm interesting", emptyContext("hmm interesting"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.StepCompleted {
			t.Error("StepCompleted = true for unclear feedback")
		}
		if mock.CallCount() != 0 {
			t.Errorf("unclear verdict made %d model calls, want 0", mock.CallCount())
		}
		if out.Response == "" {
			t.Error("Response empty, want clarification prompt")
		}
	})

	// A template may declare a review dialog without any generation step.
	reviewOnlyWorkflow := func(artifact string) (*flow.Workflow, *flow.Step) {
		p := flow.NewDialogPayload()
		p.Dialog.AssetReview = true
		p.Dialog.Artifact = artifact
		step := &flow.Step{
			ID: "s0", Name: "review-copy", Type: flow.StepDialog, Order: 0,
			Status: flow.StepInProgress, Prompt: "Review the provided copy.", Payload: p,
		}
		wf := &flow.Workflow{
			ID:       "wf-review-only",
			ThreadID: "thread-1",
			Type:     "press-release",
			Status:   flow.WorkflowActive,
			Steps:    []*flow.Step{step},
		}
		return wf, step
	}

	t.Run("revision without a generation step regenerates from the review prompt", func(t *testing.T) {
		mock := &model.MockCompleter{Responses: []model.Completion{{Text: "Tightened copy"}}}
		d := flow.NewDispatcher(mock)
		wf, review := reviewOnlyWorkflow("Original copy")

		out, err := d.Execute(context.Background(), wf, review, "please make it shorter", emptyContext("please make it shorter"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.StepCompleted || out.WorkflowCompleted {
			t.Errorf("outcome = %+v, revision must keep the review open", out)
		}
		if review.Payload.Dialog.Artifact != "Tightened copy" {
			t.Errorf("artifact = %q, want the revised copy", review.Payload.Dialog.Artifact)
		}
		if mock.CallCount() != 1 {
			t.Errorf("model calls = %d, want 1", mock.CallCount())
		}
	})

	t.Run("revision with no draft at all re-prompts instead of regenerating", func(t *testing.T) {
		mock := &model.MockCompleter{}
		d := flow.NewDispatcher(mock)
		wf, review := reviewOnlyWorkflow("")

		out, err := d.Execute(context.Background(), wf, review, "please make it shorter", emptyContext("please make it shorter"))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if out.StepCompleted {
			t.Error("StepCompleted = true with nothing to revise")
		}
		if mock.CallCount() != 0 {
			t.Errorf("model calls = %d, want 0", mock.CallCount())
		}
		if out.Response == "" {
			t.Error("Response empty, want clarification prompt")
		}
	})
}

func TestDispatcherTitle(t *testing.T) {
	mock := &model.MockCompleter{Responses: []model.Completion{
		{Text: "\"Acme Raises Series B\"\n"},
	}}
	d := flow.NewDispatcher(mock)

	wf := pressWorkflow()
	gen := wf.StepByName("generate-draft")
	gen.Status = flow.StepComplete
	gen.Payload.Generation.Artifact = "Full draft text"
	step := wf.StepByName("derive-title")
	step.Status = flow.StepInProgress

	out, err := d.Execute(context.Background(), wf, step, "", emptyContext(""))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !out.StepCompleted {
		t.Error("StepCompleted = false")
	}
	if out.Response != "" {
		t.Errorf("Response = %q, title derivation is silent", out.Response)
	}
	if step.Payload.Title.Title != "Acme Raises Series B" {
		t.Errorf("title = %q", step.Payload.Title.Title)
	}
}

func TestDispatcherRetry(t *testing.T) {
	t.Run("one transient failure is retried", func(t *testing.T) {
		mock := &model.MockCompleter{
			Responses: []model.Completion{{Text: "Draft"}},
			Err:       errors.New("rate limited"),
			ErrCount:  1,
		}
		d := flow.NewDispatcher(mock, flow.WithRetryDelay(0))

		wf := pressWorkflow()
		step := wf.StepByName("generate-draft")

		out, err := d.Execute(context.Background(), wf, step, "", emptyContext(""))
		if err != nil {
			t.Fatalf("Execute: %v, want retry to succeed", err)
		}
		if !out.StepCompleted {
			t.Error("StepCompleted = false after successful retry")
		}
		if mock.CallCount() != 2 {
			t.Errorf("CallCount = %d, want 2", mock.CallCount())
		}
	})

	t.Run("second failure surfaces a retryable error", func(t *testing.T) {
		mock := &model.MockCompleter{Err: errors.New("provider down")}
		d := flow.NewDispatcher(mock, flow.WithRetryDelay(0))

		wf := pressWorkflow()
		step := wf.StepByName("generate-draft")

		_, err := d.Execute(context.Background(), wf, step, "", emptyContext(""))
		if err == nil {
			t.Fatal("Execute = nil, want error after retries exhausted")
		}
		if !flow.IsRetryable(err) {
			t.Errorf("IsRetryable = false for %v", err)
		}
		if step.Status != flow.StepInProgress {
			t.Errorf("step status = %s, want IN_PROGRESS so the turn can be retried", step.Status)
		}
		if mock.CallCount() != 2 {
			t.Errorf("CallCount = %d, want exactly 2", mock.CallCount())
		}
	})
}

func TestDispatcherStream(t *testing.T) {
	mock := &model.MockCompleter{Responses: []model.Completion{
		{Text: "chunked draft text"},
	}}
	d := flow.NewDispatcher(mock)

	wf := pressWorkflow()
	step := wf.StepByName("generate-draft")

	var chunks []string
	out, err := d.ExecuteStream(context.Background(), wf, step, "", emptyContext(""), func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}
	if len(chunks) < 2 {
		t.Errorf("got %d chunks, want streaming in pieces", len(chunks))
	}
	if strings.Join(chunks, "") != "chunked draft text" {
		t.Errorf("chunks = %q", strings.Join(chunks, ""))
	}
	if step.Payload.Generation.Artifact != "chunked draft text" {
		t.Errorf("artifact = %q", step.Payload.Generation.Artifact)
	}
	if !out.StepCompleted {
		t.Error("StepCompleted = false")
	}
}
