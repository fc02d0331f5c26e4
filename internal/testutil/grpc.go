package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
	"google.golang.org/grpc"
)

// MockInvoker is a grpc.UnaryInvoker test double, grounded on failsafe-go's failsafegrpc test
// helpers: it lets a test script a response or error for the interceptor under test to observe.
type MockInvoker struct {
	mock.Mock

	Sleep time.Duration
}

type MockInvokeRequest struct{}

type MockInvokeResponse struct {
	Message string
}

func (m *MockInvoker) Invoke(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
	args := m.Called(ctx, method, req, reply, cc, opts)

	if m.Sleep > 0 {
		time.Sleep(m.Sleep)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if args.Error(1) != nil {
		return args.Error(1)
	}

	result := args.Get(0).(*MockInvokeResponse)
	*reply.(*MockInvokeResponse) = *result

	return nil
}
