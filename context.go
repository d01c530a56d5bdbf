package contd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dshills/contd/store"
)

// contextKey is an unexported type for context.Context values this
// package installs, so keys never collide with another package's.
type contextKey struct{ name string }

var execContextKey = &contextKey{name: "contd.exec_context"}

// FromContext recovers the ExecContext installed by Engine.Execute for the
// currently running workflow. It panics if called outside a workflow
// function or a step function — both always run with one installed — so a
// caller never silently no-ops against a nil context.
func FromContext[S any](ctx context.Context) *ExecContext[S] {
	v := ctx.Value(execContextKey)
	if v == nil {
		panic("contd: FromContext called outside a running workflow")
	}
	ec, ok := v.(*ExecContext[S])
	if !ok {
		panic("contd: FromContext called with the wrong state type parameter")
	}
	return ec
}

// StepFunc is a workflow step: it receives the current typed state and
// returns the next one. The engine diffs the returned state against the
// prior one to produce the journaled delta, so a step may freely replace
// s with an entirely new value rather than mutating in place.
type StepFunc[S any] func(ctx context.Context, s S) (S, error)

// WorkflowFunc is the user-supplied body of a workflow: ordinary Go code
// that calls ec.Step repeatedly. Its return value is the workflow's final
// result, reported to Execute's caller; it is not itself journaled (only
// the state each Step produces is).
type WorkflowFunc[S any] func(ctx context.Context, ec *ExecContext[S]) (S, error)

// ExecContext is the task-local handle every step of a running workflow
// uses to reach the engine: it tracks the current state, the deterministic
// step counter, the held lease, and the reasoning sidecar's buffer.
type ExecContext[S any] struct {
	engine     *engineCore
	workflowID string
	orgID      string
	lease      store.Lease

	state       WorkflowState
	stepCounter int64

	reasoning        reasoningBuffer
	window           healthWindow
	distillRequested bool
	currentDigest    any
}

func newExecContext[S any](core *engineCore, workflowID, orgID string, lease store.Lease, state WorkflowState) *ExecContext[S] {
	return &ExecContext[S]{
		engine:     core,
		workflowID: workflowID,
		orgID:      orgID,
		lease:      lease,
		state:      state,
	}
}

// withSelf installs ec into ctx under execContextKey, so FromContext[S] can
// recover it inside step functions invoked deeper in the call stack.
func (ec *ExecContext[S]) withSelf(ctx context.Context) context.Context {
	return context.WithValue(ctx, execContextKey, ec)
}

// WorkflowID returns the id of the workflow this context is executing.
func (ec *ExecContext[S]) WorkflowID() string { return ec.workflowID }

// StepNumber returns the count of steps successfully completed so far.
func (ec *ExecContext[S]) StepNumber() int64 { return ec.state.StepNumber }

// typed decodes the context's current raw state into S. The raw
// map[string]any form is always the source of truth; S is a convenience
// view reconstructed on every access.
func (ec *ExecContext[S]) typed() (S, error) {
	var out S
	raw, err := json.Marshal(ec.state.Variables)
	if err != nil {
		return out, fmt.Errorf("marshal state variables: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode state into typed view: %w", err)
	}
	return out, nil
}

func encodeVariables[S any](s S) (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal typed state: %w", err)
	}
	var vars map[string]any
	if err := json.Unmarshal(raw, &vars); err != nil {
		return nil, fmt.Errorf("decode typed state into variables: %w", err)
	}
	return vars, nil
}

// reasoningBuffer accumulates ingested reasoning chunks between distill
// cycles.
type reasoningBuffer struct {
	chunks    []string
	charCount int
}

func (b *reasoningBuffer) add(chunk string) {
	b.chunks = append(b.chunks, chunk)
	b.charCount += len(chunk)
}

func (b *reasoningBuffer) clear() {
	b.chunks = nil
	b.charCount = 0
}

// healthWindow tracks the rolling statistics ContextHealth is computed
// from: a fixed-size window of recent step outputs and durations, plus
// running counters that span the whole workflow.
type healthWindow struct {
	outputs   []float64 // recent step output sizes, bytes
	durations []float64 // recent step durations, ms
	window    int

	totalSteps  int64
	totalRetry  int64
	totalOutput int64
}

const defaultHealthWindow = 10

func (h *healthWindow) record(outputBytes, durationMS float64, retried bool) {
	if h.window == 0 {
		h.window = defaultHealthWindow
	}
	h.outputs = append(h.outputs, outputBytes)
	if len(h.outputs) > h.window {
		h.outputs = h.outputs[len(h.outputs)-h.window:]
	}
	h.durations = append(h.durations, durationMS)
	if len(h.durations) > h.window {
		h.durations = h.durations[len(h.durations)-h.window:]
	}
	h.totalSteps++
	h.totalOutput += int64(outputBytes)
	if retried {
		h.totalRetry++
	}
}
