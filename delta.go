package contd

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// Delta is an RFC 6902 JSON-Patch array describing the change from one
// state's dict form to the next. Deltas are computed over the full state
// (Variables and Metadata together) so replay is exact, per §4.1.
type Delta = json.RawMessage

// computeDelta returns the RFC 6902 JSON-Patch array taking old to new.
// Both values are serialized canonically first so the patch is computed
// over the same byte form that will later be checksummed.
func computeDelta(old, next WorkflowState) (Delta, error) {
	oldB, err := canonicalJSON(old)
	if err != nil {
		return nil, err
	}
	newB, err := canonicalJSON(next)
	if err != nil {
		return nil, err
	}
	ops, err := jsonpatch.CreatePatch(oldB, newB)
	if err != nil {
		return nil, &EngineError{Kind: ErrKindInvalidPatch, Message: "compute delta: " + err.Error(), WorkflowID: old.WorkflowID}
	}
	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	return patchBytes, nil
}

// applyDelta applies patch to state's canonical dict form and decodes the
// result back into a WorkflowState. A test/path precondition failure (or
// any other apply error) is reported as ErrKindInvalidPatch: the journal
// and the replayed state have diverged, which is always fatal.
func applyDelta(state WorkflowState, patch Delta) (WorkflowState, error) {
	if len(patch) == 0 {
		return state, nil
	}
	stateB, err := canonicalJSON(state)
	if err != nil {
		return WorkflowState{}, err
	}
	decoded, err := jsonpatch.DecodePatch(patch)
	if err != nil {
		return WorkflowState{}, &EngineError{Kind: ErrKindInvalidPatch, Message: "decode patch: " + err.Error(), WorkflowID: state.WorkflowID}
	}
	resultB, err := decoded.Apply(stateB)
	if err != nil {
		return WorkflowState{}, &EngineError{Kind: ErrKindInvalidPatch, Message: "apply patch: " + err.Error(), WorkflowID: state.WorkflowID}
	}
	var next WorkflowState
	if err := json.Unmarshal(resultB, &next); err != nil {
		return WorkflowState{}, &EngineError{Kind: ErrKindInvalidPatch, Message: "decode patched state: " + err.Error(), WorkflowID: state.WorkflowID}
	}
	return next, nil
}
