package flow

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/draftflow/flowkit/flow/emit"
	"github.com/draftflow/flowkit/flow/model"
	"github.com/draftflow/flowkit/flow/rag"
)

// Outcome reports what a single step execution did. The lifecycle manager
// persists the mutated step and advances the workflow based on it.
type Outcome struct {
	// Response is the user-facing text produced by the step. Empty for
	// silent steps such as title derivation.
	Response string

	// StepCompleted is true when the executed step reached COMPLETE.
	StepCompleted bool

	// WorkflowCompleted is true when this execution finished the whole
	// workflow, e.g. an approved review.
	WorkflowCompleted bool

	// AdvanceTo names the step to promote next, overriding dependency
	// order. Used by generation steps that hand off to their review step.
	AdvanceTo string

	// TargetWorkflow is the asset type the user picked, set by selection
	// dialogs and by dialog turns that name a different asset type.
	TargetWorkflow string
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherEmitter sets the event emitter.
func WithDispatcherEmitter(em emit.Emitter) DispatcherOption {
	return func(d *Dispatcher) {
		if em != nil {
			d.emitter = em
		}
	}
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithRetryDelay sets the pause before the single retry of a failed
// model call.
func WithRetryDelay(delay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if delay >= 0 {
			d.retryDelay = delay
		}
	}
}

// Dispatcher executes a single step against the model adapter. It mutates
// the workflow and step in memory only; persistence is the caller's job.
type Dispatcher struct {
	completer  model.Completer
	emitter    emit.Emitter
	metrics    *Metrics
	retryDelay time.Duration
}

// NewDispatcher builds a Dispatcher around a model adapter.
func NewDispatcher(completer model.Completer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		completer:  completer,
		emitter:    emit.NewNullEmitter(),
		retryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute runs one step to its next resting point and returns the outcome.
// A nil error with StepCompleted=false means the step is waiting for more
// user input. A retryable error means the model was unreachable twice; the
// step is left IN_PROGRESS so the turn can be retried.
func (d *Dispatcher) Execute(ctx context.Context, w *Workflow, step *Step, userInput string, fc *rag.Context) (*Outcome, error) {
	return d.execute(ctx, w, step, userInput, fc, nil)
}

// ExecuteStream is Execute with incremental output. Generation and title
// steps stream model chunks through onChunk as they arrive; dialog steps
// produce structured output and fall back to a single completion.
func (d *Dispatcher) ExecuteStream(ctx context.Context, w *Workflow, step *Step, userInput string, fc *rag.Context, onChunk func(string) error) (*Outcome, error) {
	return d.execute(ctx, w, step, userInput, fc, onChunk)
}

func (d *Dispatcher) execute(ctx context.Context, w *Workflow, step *Step, userInput string, fc *rag.Context, onChunk func(string) error) (*Outcome, error) {
	start := time.Now()
	step.UserInput = userInput

	var (
		out *Outcome
		err error
	)
	switch d.effectiveKind(step) {
	case KindDialog:
		if step.Payload.Dialog != nil && step.Payload.Dialog.AssetReview {
			out, err = d.executeReview(ctx, w, step, userInput, fc, onChunk)
		} else {
			out, err = d.executeDialog(ctx, w, step, fc)
		}
	case KindTitle:
		out, err = d.executeTitle(ctx, w, step, fc, onChunk)
	default:
		out, err = d.executeGeneration(ctx, w, step, fc, onChunk)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	d.metrics.ObserveStep(string(step.Type), status, time.Since(start))
	if err != nil {
		return nil, err
	}
	d.emitter.Emit(emit.Event{
		WorkflowID: w.ID,
		ThreadID:   w.ThreadID,
		StepName:   step.Name,
		Msg:        "step_executed",
		Meta: map[string]interface{}{
			"type":      string(step.Type),
			"completed": out.StepCompleted,
		},
	})
	return out, nil
}

// effectiveKind resolves how a step executes. AUTO_EXECUTE steps dispatch
// by payload kind so a template can auto-run any concrete behavior.
func (d *Dispatcher) effectiveKind(step *Step) string {
	switch step.Type {
	case StepDialog:
		return KindDialog
	case StepTitle:
		return KindTitle
	case StepGeneration:
		return KindGeneration
	default:
		return step.Payload.Kind()
	}
}

// dialogResult is the structured shape dialog turns must produce.
type dialogResult struct {
	IsComplete     bool              `json:"is_complete"`
	Question       string            `json:"question"`
	Collected      map[string]string `json:"collected"`
	TargetWorkflow string            `json:"target_workflow"`
}

const unclearDialogResponse = "I didn't quite catch that. Could you rephrase?"

func (d *Dispatcher) executeDialog(ctx context.Context, w *Workflow, step *Step, fc *rag.Context) (*Outcome, error) {
	if step.Payload.Dialog == nil {
		step.Payload = NewDialogPayload()
	}
	dlg := step.Payload.Dialog

	completion, err := d.callModel(ctx, w, step, dialogMessages(w, step, fc))
	if err != nil {
		return nil, err
	}

	res, ok := parseDialogResult(completion.Text)
	if !ok {
		// Unparseable output is treated as an unclear turn, not a
		// failure. The step keeps waiting.
		return &Outcome{Response: unclearDialogResponse}, nil
	}

	if !res.IsComplete {
		dlg.Question = res.Question
		mergeCollected(dlg, res.Collected)
		return &Outcome{
			Response:       res.Question,
			TargetWorkflow: res.TargetWorkflow,
		}, nil
	}

	mergeCollected(dlg, res.Collected)
	dlg.Question = ""
	step.Status = StepComplete
	return &Outcome{
		Response:       res.Question,
		StepCompleted:  true,
		TargetWorkflow: res.TargetWorkflow,
	}, nil
}

func mergeCollected(dlg *DialogPayload, collected map[string]string) {
	if len(collected) == 0 {
		return
	}
	if dlg.Collected == nil {
		dlg.Collected = make(map[string]string, len(collected))
	}
	for k, v := range collected {
		dlg.Collected[k] = v
	}
}

// parseDialogResult extracts the first JSON object from model output.
// Models occasionally wrap the object in prose or code fences.
func parseDialogResult(text string) (dialogResult, bool) {
	var res dialogResult
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return res, false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return res, false
	}
	if !res.IsComplete && strings.TrimSpace(res.Question) == "" {
		return res, false
	}
	return res, true
}

// Review verdict classification. Approval patterns are checked first so
// "looks good, ship it" never reads as a revision request.
var (
	approvedRe = regexp.MustCompile(`(?i)\b(approved?|looks (?:good|great)|perfect|love it|ship it|publish(?: it)?|lgtm|no changes|that works)\b`)
	revisionRe = regexp.MustCompile(`(?i)\b(change|revise|rewrite|redo|rework|instead|shorter|longer|add|remove|drop|cut|tweak|adjust|update|fix|different|more|less|tone)\b`)
)

type reviewVerdict int

const (
	verdictUnclear reviewVerdict = iota
	verdictApproved
	verdictRevision
)

func classifyVerdict(input string) reviewVerdict {
	switch {
	case approvedRe.MatchString(input):
		return verdictApproved
	case revisionRe.MatchString(input):
		return verdictRevision
	default:
		return verdictUnclear
	}
}

const (
	approvedResponse      = "Marked as approved. This one is done."
	unclearReviewResponse = "Should I keep this draft as-is, or would you like changes? Tell me what to adjust, or say it's approved."
)

func (d *Dispatcher) executeReview(ctx context.Context, w *Workflow, step *Step, userInput string, fc *rag.Context, onChunk func(string) error) (*Outcome, error) {
	if step.Payload.Dialog == nil {
		p := NewDialogPayload()
		p.Dialog.AssetReview = true
		step.Payload = p
	}
	dlg := step.Payload.Dialog
	if dlg.Artifact == "" {
		dlg.Artifact = latestArtifact(w)
	}

	switch classifyVerdict(userInput) {
	case verdictApproved:
		dlg.Feedback = ""
		step.Status = StepComplete
		return &Outcome{
			Response:          approvedResponse,
			StepCompleted:     true,
			WorkflowCompleted: true,
		}, nil

	case verdictRevision:
		// Nothing to revise yet: a review step can be reached without a
		// generated draft when the template carries no generation step.
		if dlg.Artifact == "" {
			return &Outcome{Response: unclearReviewResponse}, nil
		}
		gen := reviewSource(w, step)
		prompt := step.Prompt
		if gen != nil {
			prompt = gen.Prompt
		}
		msgs := revisionMessages(w, prompt, fc, dlg.Artifact, userInput)

		var text string
		var err error
		if onChunk != nil {
			text, err = d.streamModel(ctx, w, step, msgs, onChunk)
		} else {
			var completion model.Completion
			completion, err = d.callModel(ctx, w, step, msgs)
			text = completion.Text
		}
		if err != nil {
			return nil, err
		}

		artifact := strings.TrimSpace(text)
		dlg.Artifact = artifact
		dlg.Feedback = userInput
		if gen != nil && gen.Payload.Generation != nil {
			gen.Payload.Generation.Artifact = artifact
			gen.Payload.Generation.Revision++
		}
		return &Outcome{
			Response: artifact + "\n\nHow does this revision look?",
		}, nil

	default:
		return &Outcome{Response: unclearReviewResponse}, nil
	}
}

// reviewSource finds the generation step a review step covers: a direct
// dependency first, then the newest generation step in the workflow.
func reviewSource(w *Workflow, review *Step) *Step {
	for _, name := range review.DependsOn {
		if s := w.StepByName(name); s != nil && s.Payload.Generation != nil {
			return s
		}
	}
	var best *Step
	for _, s := range w.Steps {
		if s.Payload.Generation == nil {
			continue
		}
		if best == nil || s.Order > best.Order {
			best = s
		}
	}
	return best
}

func (d *Dispatcher) executeGeneration(ctx context.Context, w *Workflow, step *Step, fc *rag.Context, onChunk func(string) error) (*Outcome, error) {
	if step.Payload.Generation == nil {
		step.Payload = NewGenerationPayload()
	}

	msgs := generationMessages(w, step, fc)
	var text string
	var err error
	if onChunk != nil {
		text, err = d.streamModel(ctx, w, step, msgs, onChunk)
	} else {
		var completion model.Completion
		completion, err = d.callModel(ctx, w, step, msgs)
		text = completion.Text
	}
	if err != nil {
		return nil, err
	}

	artifact := strings.TrimSpace(text)
	step.Payload.Generation.Artifact = artifact
	step.Status = StepComplete

	out := &Outcome{Response: artifact, StepCompleted: true}
	if review := reviewStepFor(w, step); review != nil {
		out.AdvanceTo = review.Name
		if review.Payload.Dialog == nil {
			p := NewDialogPayload()
			p.Dialog.AssetReview = true
			review.Payload = p
		}
		review.Payload.Dialog.Artifact = artifact
		review.Payload.Dialog.Question = "How does this look? Tell me what to change, or say it's approved."
		out.Response = artifact + "\n\n" + review.Payload.Dialog.Question
	}
	return out, nil
}

// reviewStepFor finds the review dialog that depends on a generation step.
func reviewStepFor(w *Workflow, gen *Step) *Step {
	for _, s := range w.Steps {
		if s.Payload.Dialog == nil || !s.Payload.Dialog.AssetReview {
			continue
		}
		for _, dep := range s.DependsOn {
			if dep == gen.Name {
				return s
			}
		}
	}
	return nil
}

func (d *Dispatcher) executeTitle(ctx context.Context, w *Workflow, step *Step, fc *rag.Context, onChunk func(string) error) (*Outcome, error) {
	if step.Payload.Title == nil {
		step.Payload = NewTitlePayload()
	}

	msgs := titleMessages(w, step, fc)
	var text string
	var err error
	if onChunk != nil {
		text, err = d.streamModel(ctx, w, step, msgs, onChunk)
	} else {
		var completion model.Completion
		completion, err = d.callModel(ctx, w, step, msgs)
		text = completion.Text
	}
	if err != nil {
		return nil, err
	}

	step.Payload.Title.Title = strings.Trim(strings.TrimSpace(text), `"'`)
	step.Status = StepComplete
	// Title derivation is silent; the user sees the generated content,
	// not the bookkeeping around it.
	return &Outcome{StepCompleted: true}, nil
}

// callModel invokes the adapter with a single retry after a short fixed
// delay. A second failure is surfaced as a retryable error and the step is
// left untouched so the whole turn can be replayed.
func (d *Dispatcher) callModel(ctx context.Context, w *Workflow, step *Step, msgs []model.Message) (model.Completion, error) {
	out, err := d.completer.Complete(ctx, msgs)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return model.Completion{}, ctx.Err()
	}

	d.noteRetry(w, step, err)
	select {
	case <-time.After(d.retryDelay):
	case <-ctx.Done():
		return model.Completion{}, ctx.Err()
	}

	out, err = d.completer.Complete(ctx, msgs)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return model.Completion{}, ctx.Err()
	}
	return model.Completion{}, &AdapterError{Op: "complete", Transient: true, Cause: err}
}

// streamModel is callModel for streaming calls. A stream that fails
// mid-flight is retried from scratch once; chunks from the failed attempt
// may already have been forwarded.
func (d *Dispatcher) streamModel(ctx context.Context, w *Workflow, step *Step, msgs []model.Message, onChunk func(string) error) (string, error) {
	text, err := d.drainStream(ctx, msgs, onChunk)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	d.noteRetry(w, step, err)
	select {
	case <-time.After(d.retryDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	text, err = d.drainStream(ctx, msgs, onChunk)
	if err == nil {
		return text, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", &AdapterError{Op: "stream", Transient: true, Cause: err}
}

func (d *Dispatcher) drainStream(ctx context.Context, msgs []model.Message, onChunk func(string) error) (string, error) {
	stream, err := d.completer.CompleteStream(ctx, msgs)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		sb.WriteString(chunk)
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return "", err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (d *Dispatcher) noteRetry(w *Workflow, step *Step, err error) {
	d.metrics.AdapterRetry("complete")
	d.emitter.Emit(emit.Event{
		WorkflowID: w.ID,
		ThreadID:   w.ThreadID,
		StepName:   step.Name,
		Msg:        "adapter_retry",
		Meta:       map[string]interface{}{"error": err.Error()},
	})
}
