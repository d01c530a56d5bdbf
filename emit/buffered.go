package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, organized by workflow id, and
// offers filtered queries over them. Useful for tests and short-lived
// debugging sessions; not meant for long-running production processes
// since nothing here ever evicts old events on its own.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflowID -> events
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// HistoryFilter narrows GetHistoryWithFilter's results. Zero-value fields
// are unconstrained; set fields combine with AND logic.
type HistoryFilter struct {
	StepID  string
	Msg     string
	MinStep *int64
	MaxStep *int64
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range events {
		b.events[e.WorkflowID] = append(b.events[e.WorkflowID], e)
	}
	return nil
}

// Flush is a no-op: BufferedEmitter has no external backend to push to.
func (b *BufferedEmitter) Flush(_ context.Context) error { return nil }

// GetHistory returns a copy of every event recorded for workflowID, in
// emission order.
func (b *BufferedEmitter) GetHistory(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns a copy of the events for workflowID that
// match every set field of filter.
func (b *BufferedEmitter) GetHistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[workflowID] {
		if filter.StepID != "" && event.StepID != filter.StepID {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		if filter.MinStep != nil && event.StepNumber < *filter.MinStep {
			continue
		}
		if filter.MaxStep != nil && event.StepNumber > *filter.MaxStep {
			continue
		}
		result = append(result, event)
	}
	if result == nil {
		return []Event{}
	}
	return result
}

// Clear removes events for workflowID, or every stored event if
// workflowID is empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
