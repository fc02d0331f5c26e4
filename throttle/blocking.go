package throttle

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Blocking wraps a Policy with a blocking Acquire, for callers that would rather wait for a slot
// than poll CanSend. The wrapped Policy itself is unchanged and retains no suspension points of
// its own: Blocking only adds a semaphore sized to floor of the policy's window, re-sized at the
// start of each Acquire if that floor has changed since the previous one. Acquire does not consult
// CanSend, so the base policy and the idle contraction are not applied.
//
// This mirrors the teacher's pattern of layering a blocking variant atop an otherwise
// non-blocking concurrency limiter (adaptivelimiter.blockingLimiter, vegaslimiter.blockingLimiter)
// rather than building blocking into the core controller.
type Blocking struct {
	policy *DynamicPolicy

	mu    sync.Mutex
	sem   *semaphore.Weighted
	limit int64
}

// NewBlocking returns a Blocking wrapper around policy, sized to policy's current window.
func NewBlocking(policy *DynamicPolicy) *Blocking {
	limit := int64(policy.GetMaxPendingCount())
	if limit < 1 {
		limit = 1
	}
	return &Blocking{
		policy: policy,
		sem:    semaphore.NewWeighted(limit),
		limit:  limit,
	}
}

// Acquire blocks until a slot is available or ctx is done, then returns a release func that must
// be called exactly once with the error the corresponding reply carried.
func (b *Blocking) Acquire(ctx context.Context) (release func(err error), err error) {
	sem := b.resize()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	b.policy.ProcessMessage()
	return func(err error) {
		b.policy.ProcessReply(err)
		sem.Release(1)
	}, nil
}

// resize grows or shrinks the semaphore's capacity to track the policy's current window, and
// returns the semaphore new acquisitions should use. golang.org/x/sync/semaphore has no in-place
// resize, so a changed limit swaps in a fresh semaphore; permits already acquired from the
// previous one are released against it normally by the closure Acquire returned, so capacity
// briefly tracks the old and new limits across a resize rather than exactly one of them.
func (b *Blocking) resize() *semaphore.Weighted {
	newLimit := int64(b.policy.GetMaxPendingCount())
	if newLimit < 1 {
		newLimit = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if newLimit != b.limit {
		b.sem = semaphore.NewWeighted(newLimit)
		b.limit = newLimit
	}
	return b.sem
}
