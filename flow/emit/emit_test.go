package emit_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/draftflow/flowkit/flow/emit"
)

func sampleEvent() emit.Event {
	return emit.Event{
		ThreadID:   "t1",
		WorkflowID: "wf-9",
		StepName:   "generate-draft",
		Msg:        "step_executed",
		Meta:       map[string]interface{}{"type": "GENERATION"},
	}
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	em := emit.NewLogEmitter(&buf, false)
	em.Emit(sampleEvent())

	line := buf.String()
	for _, want := range []string{"[step_executed]", "thread=t1", "workflow=wf-9", "step=generate-draft"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	em := emit.NewLogEmitter(&buf, true)
	em.Emit(sampleEvent())

	var got emit.Event
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if got.Msg != "step_executed" || got.ThreadID != "t1" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestBufferedEmitter(t *testing.T) {
	t.Run("history is per thread", func(t *testing.T) {
		em := emit.NewBufferedEmitter()
		ev := sampleEvent()
		em.Emit(ev)
		other := ev
		other.ThreadID = "t2"
		em.Emit(other)

		if got := em.History("t1"); len(got) != 1 {
			t.Fatalf("History(t1) = %d events, want 1", len(got))
		}
		if got := em.History("t2"); len(got) != 1 {
			t.Fatalf("History(t2) = %d events, want 1", len(got))
		}
	})

	t.Run("filter by msg", func(t *testing.T) {
		em := emit.NewBufferedEmitter()
		ev := sampleEvent()
		em.Emit(ev)
		ev.Msg = "workflow_completed"
		em.Emit(ev)

		got := em.HistoryByMsg("t1", "workflow_completed")
		if len(got) != 1 || got[0].Msg != "workflow_completed" {
			t.Fatalf("HistoryByMsg = %v", got)
		}
	})

	t.Run("oldest events are evicted at the limit", func(t *testing.T) {
		em := emit.NewBufferedEmitterWithLimit(3)
		for i := 0; i < 5; i++ {
			ev := sampleEvent()
			ev.Meta = map[string]interface{}{"seq": i}
			em.Emit(ev)
		}
		got := em.History("t1")
		if len(got) != 3 {
			t.Fatalf("History = %d events, want 3", len(got))
		}
		if got[0].Meta["seq"] != 2 {
			t.Errorf("oldest kept event seq = %v, want 2", got[0].Meta["seq"])
		}
	})

	t.Run("clear drops a thread", func(t *testing.T) {
		em := emit.NewBufferedEmitter()
		em.Emit(sampleEvent())
		em.Clear("t1")
		if got := em.History("t1"); len(got) != 0 {
			t.Fatalf("History after Clear = %d events", len(got))
		}
	})
}

func TestOTelEmitter(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	defer func() { _ = tp.Shutdown(t.Context()) }()

	em := emit.NewOTelEmitter(tp.Tracer("flowkit-test"))

	ev := sampleEvent()
	em.Emit(ev)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != "step_executed" {
		t.Errorf("span name = %q", span.Name)
	}
	attrs := map[string]string{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["flowkit.thread_id"] != "t1" {
		t.Errorf("thread attribute = %q", attrs["flowkit.thread_id"])
	}
	if attrs["flowkit.workflow_id"] != "wf-9" {
		t.Errorf("workflow attribute = %q", attrs["flowkit.workflow_id"])
	}
}
