package contd

import (
	"math"
	"math/rand"
	"time"

	"github.com/dshills/contd/emit"
)

// RetryPolicy governs a step's retry behavior on user-function failure.
type RetryPolicy struct {
	MaxAttempts int
	// BackoffBase and BackoffMax are seconds, matching the specification's
	// units even though Go expresses delays as time.Duration everywhere
	// else; keeping them as float64 seconds here makes the backoff formula
	// read exactly as specified instead of as a duration-arithmetic
	// reformulation.
	BackoffBase float64
	BackoffMax  float64
	// Retryable decides whether err should be retried at all. Nil means
	// every non-nil error is retryable.
	Retryable func(err error) bool
}

// DefaultRetryPolicy matches the specification's defaults: 3 attempts,
// 2s base backoff, 60s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BackoffBase: 2.0, BackoffMax: 60.0}
}

func (p RetryPolicy) isRetryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// backoff returns the delay before retry attempt n (1-indexed: the delay
// before the *second* attempt is backoff(1)), computed exactly as
// min(base^n, max) * (0.5 + rand*0.5). This deliberately departs from a
// doubling (base*2^n) schedule in favor of the base-to-the-n-th-power
// growth the specification calls for; with base=2.0 this gives 2^n, half
// of the doubling schedule's 2^(n+1), and a caller-supplied base changes
// the growth curve.
func (p RetryPolicy) backoff(n int) time.Duration {
	base := p.BackoffBase
	if base <= 0 {
		base = DefaultRetryPolicy().BackoffBase
	}
	max := p.BackoffMax
	if max <= 0 {
		max = DefaultRetryPolicy().BackoffMax
	}
	raw := math.Pow(base, float64(n))
	if raw > max {
		raw = max
	}
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(raw * jitter * float64(time.Second))
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy().MaxAttempts
	}
	return p.MaxAttempts
}

// DistillFunc compresses buffered reasoning chunks into a developer-opaque
// digest, given the previous digest (nil on the first call).
type DistillFunc func(chunks []string, previousDigest any) (any, error)

// DistillPolicy governs when the driver triggers a distill cycle.
type DistillPolicy struct {
	// Distill is the developer-supplied compression function. A nil
	// Distill disables the sidecar's distill cycle entirely (ingest still
	// buffers and journals raw chunks).
	Distill DistillFunc
	// DistillEvery triggers a cycle every N completed steps. Zero disables
	// the step-interval trigger.
	DistillEvery int
	// DistillThreshold triggers a cycle once the reasoning buffer holds at
	// least this many characters. Zero disables the buffer-threshold
	// trigger.
	DistillThreshold int
	// ContextBudget is the soft byte budget used for ContextHealth's
	// budget_used signal. Zero disables that signal.
	ContextBudget int64
}

// Options configures an Engine. The zero value is usable: every field has
// a documented default applied by resolve().
type Options struct {
	Retry   RetryPolicy
	Distill DistillPolicy

	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration

	// SnapshotEvery triggers a state snapshot every N successfully
	// completed steps (default 10; the specification's step_counter % 10).
	SnapshotEvery int

	// MaxAttemptsPerStep bounds the idempotency guard's attempt-id scan,
	// independent of RetryPolicy.MaxAttempts: the former is a sanity limit
	// against a corrupted store or a runaway retry loop, the latter is the
	// ordinary retry budget a workflow author sets.
	MaxAttemptsPerStep int

	// OwnerID identifies this executor process for lease ownership. A
	// blank value (the default) is replaced with a random id at Engine
	// construction.
	OwnerID string

	Emitter       emit.Emitter
	OnHealthCheck func(health ContextHealth)
}

// Option mutates an Options value; NewEngine applies them in order after
// starting from the zero value.
type Option func(*Options)

func WithRetryPolicy(p RetryPolicy) Option     { return func(o *Options) { o.Retry = p } }
func WithDistillPolicy(p DistillPolicy) Option { return func(o *Options) { o.Distill = p } }
func WithLeaseDuration(d time.Duration) Option { return func(o *Options) { o.LeaseDuration = d } }
func WithSnapshotEvery(n int) Option           { return func(o *Options) { o.SnapshotEvery = n } }
func WithOwnerID(id string) Option             { return func(o *Options) { o.OwnerID = id } }
func WithEmitter(e emit.Emitter) Option         { return func(o *Options) { o.Emitter = e } }
func WithHealthCallback(f func(ContextHealth)) Option {
	return func(o *Options) { o.OnHealthCheck = f }
}

func (o Options) resolve() Options {
	if o.Retry.MaxAttempts == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 10
	}
	if o.MaxAttemptsPerStep <= 0 {
		o.MaxAttemptsPerStep = idempotencyMaxAttempts
	}
	if o.Emitter == nil {
		o.Emitter = emit.NullEmitter{}
	}
	return o
}
