package contd

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
)

// WorkItem identifies one claimed, schedulable unit of runner work: a
// workflow invocation waiting for a free worker slot. OrderKey gives the
// pool a deterministic admission order even though items are claimed by a
// background poll running concurrently with admission.
type WorkItem struct {
	WorkflowID string
	OrgID      string
	// OrderKey is a deterministic sort key computed from (WorkflowID,
	// ClaimEpoch); workers drain the pool lowest-key-first so a given claim
	// round always admits in the same order, regardless of goroutine
	// scheduling.
	OrderKey   uint64
	ClaimEpoch int
}

// ComputeOrderKey derives a deterministic priority from workflowID and
// claimEpoch: the first 8 bytes of SHA-256(workflowID || claimEpoch),
// big-endian. Same inputs always sort the same way, independent of the
// order a ClaimSource happens to enumerate them in.
func ComputeOrderKey(workflowID string, claimEpoch int) uint64 {
	h := sha256.New()
	h.Write([]byte(workflowID))
	var epochBytes [4]byte
	binary.BigEndian.PutUint32(epochBytes[:], uint32(claimEpoch))
	h.Write(epochBytes[:])
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// workHeap orders WorkItems by OrderKey, smallest first.
type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is a bounded, deterministically-ordered admission queue for
// workflow claims: a priority queue (heap) for ordering combined with a
// buffered channel for bounded queue depth and backpressure, the same
// combination the teacher's node scheduler uses. Enqueue pushes the item
// onto both the heap (for order) and the channel (as a capacity token);
// Dequeue receives a token from the channel, then pops the
// smallest-OrderKey item off the heap — the channel's content is
// discarded, it exists only to make capacity and availability blocking
// correct.
type Frontier struct {
	heap     workHeap
	queue    chan struct{}
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued      atomic.Int64
	backpressureEvents atomic.Int64
	peakDepth          atomic.Int32
}

// NewFrontier returns a Frontier admitting at most capacity items before
// Enqueue blocks.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{queue: make(chan struct{}, capacity), capacity: capacity}
	heap.Init(&f.heap)
	return f
}

// Enqueue admits item, blocking if the frontier is at capacity until a
// slot frees up (via Dequeue) or ctx is canceled.
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len())
	f.mu.Unlock()

	for {
		peak := f.peakDepth.Load()
		if depth <= peak || f.peakDepth.CompareAndSwap(peak, depth) {
			break
		}
	}
	if depth >= int32(f.capacity) {
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case f.queue <- struct{}{}:
		f.totalEnqueued.Add(1)
		return nil
	}
}

// Dequeue removes and returns the item with the smallest OrderKey,
// blocking until one is available or ctx is canceled.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len reports the current queue depth.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// RunnerMetrics is a point-in-time snapshot of a Pool's admission and
// execution counters.
type RunnerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	ActiveWorkflows    int32
	PeakActiveWorkflows int32
	TotalEnqueued      int64
	TotalDequeued      int64
	TotalCompleted      int64
	TotalFailed         int64
	BackpressureEvents  int64
}

// ClaimSource supplies pending (workflow_id, org_id) work to a Pool. A
// typical implementation polls the relational store for workflows whose
// lease row is absent or expired.
type ClaimSource interface {
	ClaimPending(ctx context.Context, limit int) ([]WorkItem, error)
}

// WorkflowRunner executes one claimed workflow to completion (or failure).
// Engine[S].Execute, bound to a specific WorkflowFunc[S], is the usual
// implementation; Pool is deliberately not generic over S since a single
// runner process may host workflows of different state shapes.
type WorkflowRunner interface {
	Run(ctx context.Context, workflowID, orgID string) error
}

// Pool runs claimed workflows with bounded concurrency and deterministic,
// backpressured admission — the per-workflow analogue of the teacher's
// per-node concurrent scheduler. It introduces no cross-workflow ordering
// guarantee beyond admission order; each workflow's own single-writer
// lease already governs exclusivity.
type Pool struct {
	source ClaimSource
	runner WorkflowRunner

	frontier      *Frontier
	maxConcurrent int

	mu               sync.Mutex
	active           int32
	peakActive       int32
	completed        atomic.Int64
	failed           atomic.Int64
	claimEpoch       int
}

// NewPool returns a Pool that claims work from source and executes it via
// runner, admitting at most queueDepth pending items and running at most
// maxConcurrent workflows at once.
func NewPool(source ClaimSource, runner WorkflowRunner, queueDepth, maxConcurrent int) *Pool {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Pool{
		source:        source,
		runner:        runner,
		frontier:      NewFrontier(queueDepth),
		maxConcurrent: maxConcurrent,
	}
}

// Run drives the pool until ctx is canceled: it polls the claim source
// every pollInterval, enqueues what it finds, and dispatches dequeued
// items to worker goroutines bounded by maxConcurrent. It returns
// ctx.Err() on shutdown.
func (p *Pool) Run(ctx context.Context, pollLimit int, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	sem := make(chan struct{}, p.maxConcurrent)
	var wg sync.WaitGroup

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			items, err := p.source.ClaimPending(ctx, pollLimit)
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.claimEpoch++
			epoch := p.claimEpoch
			p.mu.Unlock()

			for _, item := range items {
				item.ClaimEpoch = epoch
				item.OrderKey = ComputeOrderKey(item.WorkflowID, epoch)
				if err := p.frontier.Enqueue(ctx, item); err != nil {
					return
				}
			}
		}
	}()

	for {
		item, err := p.frontier.Dequeue(ctx)
		if err != nil {
			wg.Wait()
			<-done
			return err
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			<-done
			return ctx.Err()
		}

		p.mu.Lock()
		p.active++
		if p.active > p.peakActive {
			p.peakActive = p.active
		}
		p.mu.Unlock()

		wg.Add(1)
		go func(item WorkItem) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				p.mu.Lock()
				p.active--
				p.mu.Unlock()
			}()

			if err := p.runner.Run(ctx, item.WorkflowID, item.OrgID); err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
		}(item)
	}
}

// Metrics returns a snapshot of the pool's admission and execution counters.
func (p *Pool) Metrics() RunnerMetrics {
	p.mu.Lock()
	active := p.active
	peak := p.peakActive
	p.mu.Unlock()

	return RunnerMetrics{
		QueueDepth:          int32(p.frontier.Len()),
		QueueCapacity:       int32(p.frontier.capacity),
		ActiveWorkflows:     active,
		PeakActiveWorkflows: peak,
		TotalEnqueued:       p.frontier.totalEnqueued.Load(),
		TotalDequeued:       p.frontier.totalDequeued.Load(),
		TotalCompleted:      p.completed.Load(),
		TotalFailed:         p.failed.Load(),
		BackpressureEvents:  p.frontier.backpressureEvents.Load(),
	}
}
