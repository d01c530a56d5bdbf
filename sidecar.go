package contd

import (
	"context"
	"fmt"
)

// maxAnnotationBytes bounds annotate(): long-running reasoning dumps
// belong in ingest(), not in a one-line developer note.
const maxAnnotationBytes = 4096

// Trend classifies the recent direction of a rolling metric.
type Trend string

const (
	TrendStable     Trend = "stable"
	TrendDeclining  Trend = "declining"
	TrendIncreasing Trend = "increasing"
)

// Recommendation is the sidecar's advisory signal to the driver or to user
// code watching health; it is never enforced by the engine itself.
type Recommendation string

const (
	RecommendNone      Recommendation = ""
	RecommendDistill   Recommendation = "distill"
	RecommendSavepoint Recommendation = "savepoint"
)

// ContextHealth is a point-in-time snapshot of the reasoning sidecar's
// state: a signal for the driver or developer to act on, never policy the
// engine enforces on its own.
type ContextHealth struct {
	OutputTrend    Trend
	DurationTrend  Trend
	RetryRate      float64
	BufferChars    int
	BudgetUsed     float64 // 0 if no budget configured
	Recommendation Recommendation
}

// Annotate appends a developer note bound to the current step, useful for
// leaving breadcrumbs a future restore_with_context call can surface.
// Text longer than maxAnnotationBytes is rejected: annotations are a
// short marker, not a place to dump reasoning (use Ingest for that).
func (ec *ExecContext[S]) Annotate(ctx context.Context, text string) error {
	if len(text) > maxAnnotationBytes {
		return &EngineError{Kind: ErrKindInvalidPatch, Message: fmt.Sprintf("annotation exceeds %d bytes", maxAnnotationBytes), WorkflowID: ec.workflowID}
	}
	_, err := ec.engine.journal.Append(ctx, ec.workflowID, ec.orgID, EventContextAnnotation, ContextAnnotationPayload{
		StepNumber: ec.state.StepNumber,
		Text:       text,
	})
	return err
}

// Ingest records a chunk of raw reasoning output: it is journaled
// immediately (so it survives a crash even if never distilled) and
// buffered in memory for the next distill cycle.
func (ec *ExecContext[S]) Ingest(ctx context.Context, chunk string) error {
	_, err := ec.engine.journal.Append(ctx, ec.workflowID, ec.orgID, EventContextReasoning, ContextReasoningPayload{
		Chunk:     chunk,
		ChunkSize: len(chunk),
	})
	if err != nil {
		return err
	}
	ec.reasoning.add(chunk)
	return nil
}

// RequestDistill sets a flag that forces a distill cycle before the next
// step runs, regardless of the step-interval or buffer-threshold
// triggers.
func (ec *ExecContext[S]) RequestDistill() { ec.distillRequested = true }

// ContextHealth computes a health snapshot from the rolling window of
// recent step outputs/durations plus the running retry rate and buffer
// size. It is a signal, not policy: nothing in the engine acts on it
// unless the caller (or an OnHealthCheck callback) does.
func (ec *ExecContext[S]) ContextHealth() ContextHealth {
	h := ContextHealth{
		BufferChars: ec.reasoning.charCount,
	}
	if ec.window.totalSteps > 0 {
		h.RetryRate = float64(ec.window.totalRetry) / float64(ec.window.totalSteps)
	}
	if ec.engine.opts.Distill.ContextBudget > 0 {
		h.BudgetUsed = float64(ec.window.totalOutput) / float64(ec.engine.opts.Distill.ContextBudget)
	}
	h.OutputTrend = trendOf(ec.window.outputs)
	h.DurationTrend = trendOf(ec.window.durations)

	switch {
	case h.BufferChars > 5000 || h.BudgetUsed > 0.8:
		h.Recommendation = RecommendDistill
	case h.OutputTrend == TrendDeclining && h.RetryRate > 0.2:
		h.Recommendation = RecommendSavepoint
	default:
		h.Recommendation = RecommendNone
	}
	return h
}

// trendOf classifies the least-squares slope of series, normalized by its
// mean. |relative slope| > 0.1 is a non-stable trend; series shorter than
// 2 points is always stable (there's nothing to compare).
func trendOf(series []float64) Trend {
	n := len(series)
	if n < 2 {
		return TrendStable
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return TrendStable
	}
	slope := (nf*sumXY - sumX*sumY) / denom

	mean := sumY / nf
	if mean == 0 {
		return TrendStable
	}
	relative := slope / mean
	switch {
	case relative > 0.1:
		return TrendIncreasing
	case relative < -0.1:
		return TrendDeclining
	default:
		return TrendStable
	}
}

// evaluateDistillTriggers decides whether a distill cycle should run
// after the step just completed, in the specification's priority order:
// explicit request, then step-interval, then buffer-threshold.
func (ec *ExecContext[S]) evaluateDistillTriggers() bool {
	if ec.distillRequested {
		return true
	}
	policy := ec.engine.opts.Distill
	if policy.DistillEvery > 0 && ec.state.StepNumber > 0 && ec.state.StepNumber%int64(policy.DistillEvery) == 0 {
		return true
	}
	if policy.DistillThreshold > 0 && ec.reasoning.charCount >= policy.DistillThreshold {
		return true
	}
	return false
}

// runDistillCycle invokes the developer-supplied distill function over
// the buffered chunks, appends a context.digest event, and clears the
// buffer unconditionally — on developer-function failure the raw chunks
// are preserved in the event instead, so a flaky distiller never causes
// unbounded buffer growth.
func (ec *ExecContext[S]) runDistillCycle(ctx context.Context, previousDigest any) (any, error) {
	ec.distillRequested = false
	if len(ec.reasoning.chunks) == 0 {
		return previousDigest, nil
	}
	chunks := ec.reasoning.chunks
	chunksProcessed := len(chunks)
	ec.reasoning.clear()

	policy := ec.engine.opts.Distill
	if policy.Distill == nil {
		return previousDigest, nil
	}

	digest, err := policy.Distill(chunks, previousDigest)
	payload := ContextDigestPayload{ChunksProcessed: chunksProcessed}
	if err != nil {
		payload.DistillFailed = true
		payload.RawChunks = chunks
	} else {
		payload.Digest = digest
	}

	if _, appendErr := ec.engine.journal.Append(ctx, ec.workflowID, ec.orgID, EventContextDigest, payload); appendErr != nil {
		return previousDigest, appendErr
	}
	ec.engine.emitEvent("distill_cycle", ec.workflowID, ec.state.StepNumber, "", map[string]any{
		"chunks_processed": chunksProcessed,
		"distill_failed":   payload.DistillFailed,
	})
	if payload.DistillFailed {
		return previousDigest, nil
	}
	return digest, nil
}
