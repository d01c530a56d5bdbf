package contd

import "errors"

// ErrKind is a machine-readable error taxonomy kind, per the engine's
// error-handling design. Kinds, not Go types, are what callers branch on.
type ErrKind string

const (
	ErrKindWorkflowLocked     ErrKind = "WorkflowLocked"
	ErrKindStaleFence         ErrKind = "StaleFence"
	ErrKindTooManyAttempts    ErrKind = "TooManyAttempts"
	ErrKindEventCorruption    ErrKind = "EventCorruption"
	ErrKindStateCorruption    ErrKind = "StateCorruption"
	ErrKindSnapshotCorruption ErrKind = "SnapshotCorruption"
	ErrKindResultCorruption   ErrKind = "ResultCorruption"
	ErrKindInvalidPatch       ErrKind = "InvalidPatch"
	ErrKindUserStepFailed     ErrKind = "UserStepFailed"
	ErrKindStepTimeout        ErrKind = "StepTimeout"
	ErrKindDistillFailed      ErrKind = "DistillFailed"
	ErrKindDuplicateEventID   ErrKind = "DuplicateEventID"
	ErrKindSequenceGap        ErrKind = "SequenceGap"
)

// EngineError is the engine's structured error type. It carries a Kind from
// the taxonomy above plus the workflow it occurred on and, where
// applicable, the underlying cause.
type EngineError struct {
	Kind       ErrKind
	Message    string
	WorkflowID string
	StepID     string
	Cause      error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e == nil {
		return "<nil engine error>"
	}
	if e.WorkflowID != "" {
		return string(e.Kind) + ": " + e.Message + " (workflow=" + e.WorkflowID + ")"
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap returns the underlying cause, if any, so errors.Is/As see through
// an EngineError to a wrapped store or codec error.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *EngineError with the same Kind. This
// lets callers write errors.Is(err, &EngineError{Kind: ErrKindWorkflowLocked})
// without needing every call site to compare Kind fields by hand.
func (e *EngineError) Is(target error) bool {
	te, ok := target.(*EngineError)
	if !ok || e == nil {
		return false
	}
	return e.Kind == te.Kind
}

// Sentinel errors for conditions that are not workflow-scoped (so an
// EngineError's WorkflowID field would be empty anyway) and are commonly
// checked with a plain errors.Is.
var (
	// ErrNotFound is returned by Recovery when a workflow has neither a
	// snapshot nor any journal events to replay. It is not itself an
	// EngineError kind. Store lookups report a missing row with
	// store.ErrNotFound instead, which callers translate into the right
	// domain meaning (genesis replay, no cached result, lease free, ...).
	ErrNotFound = errors.New("contd: not found")

	// ErrReentrantWorkflow names the nested-workflow case, which is out of
	// scope. No code in this package returns it: Execute does not detect a
	// workflow started from within another workflow's step.
	ErrReentrantWorkflow = errors.New("contd: nested workflow execution is not supported")
)

// kindOf extracts the ErrKind from err if it is (or wraps) an *EngineError,
// and "" otherwise.
func kindOf(err error) ErrKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ""
}
