package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer, either as human-readable text or
// as one JSON object per line.
//
// Text output:
//
//	[step_complete] thread=t1 workflow=wf-9 step=generate-draft
//
// JSON output:
//
//	{"thread_id":"t1","workflow_id":"wf-9","step_name":"generate-draft","msg":"step_complete"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event. Write failures are swallowed; the engine never
// fails a turn over logging.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}

	line := fmt.Sprintf("[%s] thread=%s", event.Msg, event.ThreadID)
	if event.WorkflowID != "" {
		line += " workflow=" + event.WorkflowID
	}
	if event.StepName != "" {
		line += " step=" + event.StepName
	}
	if len(event.Meta) > 0 {
		if meta, err := json.Marshal(event.Meta); err == nil {
			line += " meta=" + string(meta)
		}
	}
	fmt.Fprintln(l.writer, line)
}
