package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes structured event output to a writer, in either
// human-readable text or JSONL form.
//
// Example text output:
//
//	[step_completed] workflow=wf-1 step=3 stepID=fetch_3
//
// Example JSON output:
//
//	{"workflowID":"wf-1","step":3,"stepID":"fetch_3","msg":"step_completed","meta":null}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to writer (os.Stdout if nil)
// in JSON mode if jsonMode, else text mode.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		WorkflowID string         `json:"workflowID"`
		Step       int64          `json:"step"`
		StepID     string         `json:"stepID"`
		Msg        string         `json:"msg"`
		Meta       map[string]any `json:"meta"`
	}{
		WorkflowID: event.WorkflowID,
		Step:       event.StepNumber,
		StepID:     event.StepID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] workflow=%s step=%d stepID=%s",
		event.Msg, event.WorkflowID, event.StepNumber, event.StepID)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes every event in order. LogEmitter has no internal
// buffering, so batching only saves call overhead, not syscalls.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes synchronously and keeps no buffer.
// Wrap writer in a *bufio.Writer and flush that directly if buffering is
// wanted.
func (l *LogEmitter) Flush(_ context.Context) error { return nil }
