package emit

import "context"

// NullEmitter discards every event. It is the Options default so the
// engine never requires a configured observability backend to run.
type NullEmitter struct{}

func (NullEmitter) Emit(Event)                               {}
func (NullEmitter) EmitBatch(context.Context, []Event) error { return nil }
func (NullEmitter) Flush(context.Context) error              { return nil }
