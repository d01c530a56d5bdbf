package contd

import (
	"encoding/json"
	"testing"
)

func TestComputeAndApplyDelta(t *testing.T) {
	t.Run("round trip through a variable change", func(t *testing.T) {
		old := NewWorkflowState("wf-1", "org-1")
		next := old
		next.Variables = map[string]any{"count": float64(1)}
		next.StepNumber = 1
		next.Checksum = checksumOf(next)

		patch, err := computeDelta(old, next)
		if err != nil {
			t.Fatalf("computeDelta: %v", err)
		}
		if len(patch) == 0 {
			t.Fatal("expected a non-empty patch")
		}

		got, err := applyDelta(old, patch)
		if err != nil {
			t.Fatalf("applyDelta: %v", err)
		}
		if got.StepNumber != 1 {
			t.Errorf("StepNumber = %d, want 1", got.StepNumber)
		}
		if got.Variables["count"] != float64(1) {
			t.Errorf("Variables[count] = %v, want 1", got.Variables["count"])
		}
		if got.Checksum != next.Checksum {
			t.Errorf("Checksum = %q, want %q", got.Checksum, next.Checksum)
		}
	})

	t.Run("empty patch returns state unchanged", func(t *testing.T) {
		state := NewWorkflowState("wf-2", "org-1")
		got, err := applyDelta(state, json.RawMessage{})
		if err != nil {
			t.Fatalf("applyDelta: %v", err)
		}
		if got.WorkflowID != state.WorkflowID {
			t.Errorf("WorkflowID = %q, want %q", got.WorkflowID, state.WorkflowID)
		}
	})

	t.Run("identical states produce a no-op patch", func(t *testing.T) {
		state := NewWorkflowState("wf-3", "org-1")
		patch, err := computeDelta(state, state)
		if err != nil {
			t.Fatalf("computeDelta: %v", err)
		}
		got, err := applyDelta(state, patch)
		if err != nil {
			t.Fatalf("applyDelta: %v", err)
		}
		if got.Checksum != state.Checksum {
			t.Errorf("Checksum = %q, want %q", got.Checksum, state.Checksum)
		}
	})

	t.Run("malformed patch is reported as InvalidPatch", func(t *testing.T) {
		state := NewWorkflowState("wf-4", "org-1")
		_, err := applyDelta(state, json.RawMessage(`not json`))
		var ee *EngineError
		if !asEngineError(err, &ee) {
			t.Fatalf("expected *EngineError, got %v (%T)", err, err)
		}
		if ee.Kind != ErrKindInvalidPatch {
			t.Errorf("Kind = %q, want %q", ee.Kind, ErrKindInvalidPatch)
		}
	})
}

// asEngineError is a small helper so tests can assert on EngineError.Kind
// without importing errors.As boilerplate at every call site.
func asEngineError(err error, target **EngineError) bool {
	ee, ok := err.(*EngineError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
