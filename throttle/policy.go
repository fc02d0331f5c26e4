// Package throttle implements the dynamic pending-message window used by a message-bus client
// session to decide whether an outbound message may be dispatched. It continuously probes the
// transport's throughput ceiling and adjusts the window to track it, backing off when efficiency
// degrades and contracting after idle periods.
package throttle

import "sync"

// Policy is the admission interface a message-bus client session drives. CanSend, ProcessMessage,
// and ProcessReply are invoked serially by the session's I/O loop; a Policy performs no internal
// synchronization of its own unless stated otherwise by the implementation.
type Policy interface {
	// CanSend returns whether the caller may dispatch one more message, given its current count
	// of outstanding replies.
	CanSend(pendingCount int) bool

	// ProcessMessage is called once for every message admitted by a prior CanSend.
	ProcessMessage()

	// ProcessReply is called once for every reply received for an admitted message. err is the
	// error the reply carried, or nil if the message completed without error.
	ProcessReply(err error)
}

// StaticPolicy supplies the hard ceiling on pending count that DynamicPolicy consumes as its base
// policy. It is an external collaborator: the transport or session that owns the absolute cap on
// concurrent in-flight messages.
type StaticPolicy interface {
	CanSend(pendingCount int) bool
	SetMaxPendingCount(n int)
}

// NewStaticPolicy returns a StaticPolicy enforcing a fixed maximum pending count.
func NewStaticPolicy(maxPendingCount int) StaticPolicy {
	return &staticPolicy{maxPendingCount: maxPendingCount}
}

type staticPolicy struct {
	mu              sync.Mutex
	maxPendingCount int
}

func (p *staticPolicy) CanSend(pendingCount int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pendingCount < p.maxPendingCount
}

func (p *staticPolicy) SetMaxPendingCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxPendingCount = n
}
