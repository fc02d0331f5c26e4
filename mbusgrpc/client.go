// Package mbusgrpc wires a throttle.Policy into a gRPC client connection, playing the part of the
// "enclosing source-session" that spec.md treats as an external caller: it tracks pending RPCs per
// connection and drives CanSend, ProcessMessage, and ProcessReply around every unary call.
package mbusgrpc

import (
	"context"
	"errors"
	"sync/atomic"

	"google.golang.org/grpc"

	"github.com/gomsgbus/throttle/throttle"
)

// ErrThrottled is returned when a unary call is rejected because the throttle policy's CanSend
// denied admission. The underlying RPC is never invoked in this case.
var ErrThrottled = errors.New("mbusgrpc: send denied by throttle policy")

// Session tracks the number of outstanding (sent, not yet replied) unary calls made through a
// single gRPC connection and drives a throttle.Policy around them. A Session is safe for
// concurrent use by multiple goroutines issuing calls on the same connection, since gRPC itself
// allows concurrent calls on one ClientConn; the atomic pending counter serializes only the count
// that CanSend's admission decision depends on, while the Policy guards its own internal state.
type Session struct {
	policy  throttle.Policy
	pending int64
}

// NewSession returns a Session driving the given policy.
func NewSession(policy throttle.Policy) *Session {
	return &Session{policy: policy}
}

// UnaryClientInterceptor returns a grpc.UnaryClientInterceptor that gates every outbound unary
// call through the session's throttle policy: CanSend is consulted before the call, ProcessMessage
// is called on admission, and ProcessReply is called with the call's error once it completes.
func (s *Session) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		pending := int(atomic.LoadInt64(&s.pending))
		if !s.policy.CanSend(pending) {
			return ErrThrottled
		}

		atomic.AddInt64(&s.pending, 1)
		s.policy.ProcessMessage()

		err := invoker(ctx, method, req, reply, cc, opts...)

		s.policy.ProcessReply(err)
		atomic.AddInt64(&s.pending, -1)

		return err
	}
}

// Pending returns the current count of outstanding unary calls on this session.
func (s *Session) Pending() int {
	return int(atomic.LoadInt64(&s.pending))
}
