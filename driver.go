package contd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/contd/emit"
	"github.com/dshills/contd/store"
	"github.com/google/uuid"
)

// engineCore holds every non-generic collaborator an Engine[S] needs. It
// is split out from Engine[S] so ExecContext[S] (itself generic) can hold
// a plain, non-generic reference to the engine's machinery without
// infecting every helper type with a type parameter it never uses.
type engineCore struct {
	journal     *Journal
	snapshots   *SnapshotStore
	leases      *LeaseManager
	idempotency *IdempotencyGuard
	recovery    *Recovery
	opts        Options
}

func (c *engineCore) emitEvent(msg, workflowID string, stepNumber int64, stepID string, meta map[string]any) {
	c.opts.Emitter.Emit(emit.Event{WorkflowID: workflowID, StepNumber: stepNumber, StepID: stepID, Msg: msg, Meta: meta})
}

// Engine runs workflows whose state is modeled as S. S is a convenience
// typed view over the engine's real, schema-free state (a JSON object);
// see ExecContext.typed.
type Engine[S any] struct {
	core *engineCore
}

// NewEngine returns an Engine backed by rel and blob, configured by opts.
func NewEngine[S any](rel store.RelationalStore, blob store.BlobStore, opts ...Option) *Engine[S] {
	var resolved Options
	for _, o := range opts {
		o(&resolved)
	}
	resolved = resolved.resolve()
	if resolved.OwnerID == "" {
		resolved.OwnerID = uuid.NewString()
	}

	snapshots := NewSnapshotStore(rel, blob)
	journal := NewJournal(rel)
	return &Engine[S]{core: &engineCore{
		journal:     journal,
		snapshots:   snapshots,
		leases:      NewLeaseManager(rel, resolved.LeaseDuration),
		idempotency: NewIdempotencyGuard(rel, snapshots, resolved.MaxAttemptsPerStep),
		recovery:    NewRecovery(journal, snapshots),
		opts:        resolved,
	}}
}

// Execute runs a workflow identified by workflowID (generated if empty)
// under orgID, invoking fn with a fresh ExecContext. It acquires the
// workflow's lease first and fails with WorkflowLocked if another
// executor currently holds it; on success it releases the lease and
// reports the fn's return value. Execute never returns a partial state:
// fn's result is the authoritative, final typed state of the workflow.
func (e *Engine[S]) Execute(ctx context.Context, workflowID, orgID string, fn WorkflowFunc[S]) (S, error) {
	var zero S

	resuming := workflowID != ""
	if workflowID == "" {
		workflowID = uuid.NewString()
	}

	lease, err := e.core.leases.Acquire(ctx, workflowID, orgID, e.core.opts.OwnerID)
	if err != nil {
		return zero, err
	}
	e.core.emitEvent("lease_acquired", workflowID, 0, "", nil)

	hbCtx, cancelHB := context.WithCancel(ctx)
	lost := make(chan struct{})
	go e.core.leases.HeartbeatLoop(hbCtx, lease, e.core.opts.HeartbeatInterval, func() {
		e.core.emitEvent("lease_lost", workflowID, 0, "", nil)
		close(lost)
	})
	defer cancelHB()
	defer func() { _ = e.core.leases.Release(context.WithoutCancel(ctx), lease) }()

	var state WorkflowState
	var restoredCtx RestoredContext
	if resuming {
		restored, _, rc, rerr := e.core.recovery.RestoreWithContext(ctx, workflowID)
		if rerr != nil && !errors.Is(rerr, ErrNotFound) {
			return zero, rerr
		}
		if rerr == nil {
			state = restored
			restoredCtx = rc
		} else {
			state = NewWorkflowState(workflowID, orgID)
			if _, err := e.core.journal.Append(ctx, workflowID, orgID, EventWorkflowStarted, WorkflowStartedPayload{}); err != nil {
				return zero, err
			}
		}
	} else {
		state = NewWorkflowState(workflowID, orgID)
		if _, err := e.core.journal.Append(ctx, workflowID, orgID, EventWorkflowStarted, WorkflowStartedPayload{}); err != nil {
			return zero, err
		}
	}

	ec := newExecContext[S](e.core, workflowID, orgID, lease, state)
	// The deterministic step_id scheme (name_counter) must continue where
	// the journal left off, or a resumed workflow would mint step ids that
	// collide with ones already completed.
	ec.stepCounter = state.StepNumber
	ec.currentDigest = restoredCtx.LatestDigest
	for _, chunk := range restoredCtx.UndigestedChunks {
		ec.reasoning.add(chunk)
	}
	runCtx := ec.withSelf(ctx)

	result, err := fn(runCtx, ec)
	if err != nil {
		return zero, err
	}

	select {
	case <-lost:
		return zero, &EngineError{Kind: ErrKindWorkflowLocked, Message: "lease lost during execution", WorkflowID: workflowID}
	default:
	}

	if _, err := e.core.journal.Append(ctx, workflowID, orgID, EventWorkflowCompleted, WorkflowCompletedPayload{StepCount: ec.state.StepNumber}); err != nil {
		return zero, err
	}
	e.core.emitEvent("workflow_completed", workflowID, ec.state.StepNumber, "", nil)
	return result, nil
}

// Step runs one step of the enclosing workflow: name combined with the
// context's step counter forms a deterministic step_id, so replay always
// reproduces the same ids for the same call sequence.
//
// The protocol, in order: check for a cached completion (return it
// without running fn at all); allocate an attempt; append step.intention;
// run fn, honoring opts.Timeout if set; on success, diff the resulting
// state against the prior one, append step.completed, mark the step
// completed, install the new state, and advance the step counter; on
// failure, append step.failed and apply the retry policy, allocating a
// fresh attempt id per retry.
func (ec *ExecContext[S]) Step(ctx context.Context, name string, fn StepFunc[S], opts ...StepOption) (S, error) {
	var cfg stepConfig
	for _, o := range opts {
		o(&cfg)
	}
	retry := cfg.retry
	if retry.MaxAttempts == 0 {
		retry = ec.engine.opts.Retry
	}

	stepID := fmt.Sprintf("%s_%d", name, ec.stepCounter)

	var zero S
	if cached, ok, err := ec.engine.idempotency.CheckCompleted(ctx, ec.workflowID, stepID); err != nil {
		return zero, err
	} else if ok {
		ec.state = cached
		ec.stepCounter++
		return ec.typed()
	}

	stepStart := time.Now()
	attempt := 1
	for {
		result, durationMS, stepErr := ec.runAttempt(ctx, stepID, name, attempt, fn, cfg)
		if stepErr == nil {
			ec.window.record(float64(len(fmt.Sprint(result))), float64(durationMS), attempt > 1)
			return ec.finishStep(ctx, stepID, attempt, result, time.Since(stepStart).Milliseconds())
		}

		ec.engine.emitEvent("step_failed", ec.workflowID, ec.state.StepNumber, stepID, map[string]any{
			"attempt_id": attempt, "duration_ms": durationMS, "error": stepErr.Error(),
		})

		if attempt >= retry.maxAttempts() || !retry.isRetryable(stepErr) {
			ec.window.record(0, float64(durationMS), true)
			ec.engine.emitEvent("step_exhausted", ec.workflowID, ec.state.StepNumber, stepID, map[string]any{"attempt_id": attempt})
			return zero, stepErr
		}
		ec.engine.emitEvent("step_retry", ec.workflowID, ec.state.StepNumber, stepID, map[string]any{"attempt_id": attempt})

		select {
		case <-time.After(retry.backoff(attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		attempt++
	}
}

// runAttempt allocates an attempt id, journals the intention, and runs fn
// once (honoring a per-step timeout), returning the typed result and its
// duration in milliseconds.
func (ec *ExecContext[S]) runAttempt(ctx context.Context, stepID, name string, attempt int, fn StepFunc[S], cfg stepConfig) (S, int64, error) {
	var zero S

	attemptID, err := ec.engine.idempotency.AllocateAttempt(ctx, ec.workflowID, stepID, ec.lease)
	if err != nil {
		return zero, 0, err
	}

	if _, err := ec.engine.journal.Append(ctx, ec.workflowID, ec.orgID, EventStepIntention, StepIntentionPayload{
		StepID: stepID, StepName: name, AttemptID: attemptID,
	}); err != nil {
		return zero, 0, err
	}

	cur, err := ec.typed()
	if err != nil {
		return zero, 0, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	start := time.Now()
	type outcome struct {
		result S
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("step panicked: %v", p)}
			}
		}()
		r, err := fn(runCtx, cur)
		done <- outcome{r, err}
	}()

	select {
	case out := <-done:
		durationMS := time.Since(start).Milliseconds()
		if out.err != nil {
			_, _ = ec.engine.journal.Append(ctx, ec.workflowID, ec.orgID, EventStepFailed, StepFailedPayload{
				StepID: stepID, AttemptID: attemptID, Error: out.err.Error(),
			})
			return zero, durationMS, out.err
		}
		return out.result, durationMS, nil
	case <-runCtx.Done():
		durationMS := time.Since(start).Milliseconds()
		timeoutErr := &EngineError{Kind: ErrKindStepTimeout, Message: "step timed out", WorkflowID: ec.workflowID, StepID: stepID}
		_, _ = ec.engine.journal.Append(ctx, ec.workflowID, ec.orgID, EventStepFailed, StepFailedPayload{
			StepID: stepID, AttemptID: attemptID, Error: timeoutErr.Error(), Timeout: true,
		})
		// fn's goroutine may still be running; the engine does not wait for
		// it (Go has no forcible goroutine cancellation), only for runCtx's
		// cancellation to propagate through fn's own ctx checks.
		return zero, durationMS, timeoutErr
	}
}

// finishStep computes the delta from the prior state, journals the
// completion, marks the step completed, installs the new state and
// advances the step counter, then runs the snapshot and distill policies
// and the health-check callback. It appends no savepoint.created event.
func (ec *ExecContext[S]) finishStep(ctx context.Context, stepID string, attemptID int, result S, durationMS int64) (S, error) {
	var zero S

	vars, err := encodeVariables(result)
	if err != nil {
		return zero, err
	}
	oldState := ec.state
	newState := oldState.WithVariables(vars).WithStep(oldState.StepNumber + 1)

	delta, err := computeDelta(oldState, newState)
	if err != nil {
		return zero, err
	}

	ev, err := ec.engine.journal.Append(ctx, ec.workflowID, ec.orgID, EventStepCompleted, StepCompletedPayload{
		StepID: stepID, AttemptID: attemptID, StateDelta: delta, DurationMS: durationMS,
	})
	if err != nil {
		return zero, err
	}

	if err := ec.engine.idempotency.MarkCompleted(ctx, ec.workflowID, stepID, attemptID, newState, ev.EventSeq); err != nil {
		return zero, err
	}

	ec.state = newState
	ec.stepCounter++
	ec.engine.emitEvent("step_completed", ec.workflowID, ec.state.StepNumber, stepID, map[string]any{"attempt_id": attemptID, "duration_ms": durationMS})

	if ec.state.StepNumber%int64(ec.engine.opts.SnapshotEvery) == 0 {
		if _, err := ec.engine.snapshots.Save(ctx, ec.state, ev.EventSeq); err != nil {
			return zero, err
		}
	}

	if ec.evaluateDistillTriggers() {
		digest, err := ec.runDistillCycle(ctx, ec.currentDigest)
		if err == nil {
			ec.currentDigest = digest
		}
	}

	if ec.engine.opts.OnHealthCheck != nil {
		ec.engine.opts.OnHealthCheck(ec.ContextHealth())
	}

	return result, nil
}

// StepOption configures a single Step call.
type StepOption func(*stepConfig)

type stepConfig struct {
	timeout time.Duration
	retry   RetryPolicy
}

// WithTimeout bounds how long a single step attempt may run before it is
// treated as a timeout failure (and retried, if the retry policy allows).
func WithTimeout(d time.Duration) StepOption { return func(c *stepConfig) { c.timeout = d } }

// WithStepRetry overrides the engine-level retry policy for this step.
func WithStepRetry(p RetryPolicy) StepOption { return func(c *stepConfig) { c.retry = p } }
