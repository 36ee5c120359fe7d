// Package emit provides pluggable observability for workflow execution.
package emit

// Event is one observability event from the engine: step dispatched,
// workflow completed, transition detected, adapter retried, and so on.
type Event struct {
	// ThreadID identifies the conversation thread.
	ThreadID string `json:"thread_id,omitempty"`

	// WorkflowID identifies the workflow run, when the event concerns one.
	WorkflowID string `json:"workflow_id,omitempty"`

	// StepName identifies the step, when the event concerns one.
	StepName string `json:"step_name,omitempty"`

	// Msg is the event kind, e.g. "step_complete", "transition".
	Msg string `json:"msg"`

	// Meta carries event-specific structured data. Common keys:
	// "duration_ms", "error", "target", "dropped", "redactions".
	Meta map[string]interface{} `json:"meta,omitempty"`
}
