package contd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// WorkflowState is the immutable, user-visible value a workflow carries
// across steps. Every mutation produces a new value with a recomputed
// checksum; nothing about a WorkflowState is ever mutated in place once
// constructed by the driver.
type WorkflowState struct {
	WorkflowID string `json:"workflow_id"`
	OrgID      string `json:"org_id"`
	StepNumber int64  `json:"step_number"`

	// Variables is the user-visible state: arbitrary JSON under the
	// developer's control. The engine never interprets its contents.
	Variables map[string]any `json:"variables"`

	// Metadata is engine-maintained (workflow name, tags, start time) but
	// still arbitrary JSON from the engine's point of view; no field of it
	// is schema-fixed except what the driver itself writes.
	Metadata map[string]any `json:"metadata"`

	Version string `json:"version"`

	// Checksum is SHA-256 over the canonical serialization of every field
	// above with Checksum itself held empty. It is always recomputed, never
	// trusted from an untrusted source without verification.
	Checksum string `json:"checksum"`
}

// NewWorkflowState returns the genesis state for a workflow: step 0, empty
// variables and metadata, checksum computed.
func NewWorkflowState(workflowID, orgID string) WorkflowState {
	s := WorkflowState{
		WorkflowID: workflowID,
		OrgID:      orgID,
		StepNumber: 0,
		Variables:  map[string]any{},
		Metadata:   map[string]any{},
		Version:    stateSchemaVersion,
	}
	s.Checksum = s.computeChecksum()
	return s
}

const stateSchemaVersion = "1.0"

// WithVariables returns a copy of s with Variables replaced and the
// checksum recomputed. StepNumber is left untouched; callers that advance
// the step counter use WithStep.
func (s WorkflowState) WithVariables(vars map[string]any) WorkflowState {
	next := s
	next.Variables = vars
	next.Checksum = next.computeChecksum()
	return next
}

// WithStep returns a copy of s with StepNumber advanced and checksum
// recomputed.
func (s WorkflowState) WithStep(stepNumber int64) WorkflowState {
	next := s
	next.StepNumber = stepNumber
	next.Checksum = next.computeChecksum()
	return next
}

// Verify recomputes the checksum over s's fields and compares it against
// the stored one. A mismatch is a corruption fault (StateCorruption).
func (s WorkflowState) Verify() error {
	if s.computeChecksum() != s.Checksum {
		return &EngineError{
			Kind:       ErrKindStateCorruption,
			Message:    "workflow state checksum mismatch",
			WorkflowID: s.WorkflowID,
		}
	}
	return nil
}

func (s WorkflowState) computeChecksum() string {
	bare := s
	bare.Checksum = ""
	return checksumOf(bare)
}

// canonicalJSON serializes v to UTF-8 JSON with lexicographically sorted
// object keys and no insignificant whitespace. Go's encoding/json already
// sorts map[string]any keys and emits compact output; canonicalization
// therefore only requires round-tripping struct values through a map so
// that struct-tag declaration order never leaks into the byte form.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalCanonical(generic)
}

// marshalCanonical writes v (the result of unmarshaling into `any`) back
// out with map keys sorted at every level. json.Marshal already sorts
// map[string]any keys, but it does so per call; nested maps produced by
// json.Unmarshal are map[string]any too, so a single json.Marshal pass
// already yields a fully sorted encoding. The extra sort pass here guards
// against any future representation (e.g. ordered-map types) that would
// not otherwise sort itself.
func marshalCanonical(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalCanonical(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte("[")
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalCanonical(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}

// checksumOf returns the hex-encoded SHA-256 digest of v's canonical JSON
// form.
func checksumOf(v any) string {
	b, err := canonicalJSON(v)
	if err != nil {
		// canonicalJSON only fails on values json.Marshal itself rejects
		// (channels, funcs); none of the engine's persisted types contain
		// those, so this path is unreachable in practice. Hash the error
		// text rather than panicking, so a future programming mistake
		// surfaces as a checksum-verification failure, not a crash.
		sum := sha256.Sum256([]byte("checksum-error:" + err.Error()))
		return hex.EncodeToString(sum[:])
	}
	return checksumOfBytes(b)
}

// checksumOfBytes returns the hex-encoded SHA-256 digest of already-
// canonical JSON bytes, for callers (snapshots) that persist the bytes
// themselves and need to verify them without re-marshaling.
func checksumOfBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// unmarshalCanonical decodes canonical JSON bytes into v. Canonical form
// is a restriction of ordinary JSON (sorted keys, no whitespace), so the
// standard decoder reads it without modification.
func unmarshalCanonical(b []byte, v any) error {
	return json.Unmarshal(b, v)
}
