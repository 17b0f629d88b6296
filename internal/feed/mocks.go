package feed

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockSubscriber struct {
	mock.Mock
}

var _ Subscriber = (*MockSubscriber)(nil)

func (m *MockSubscriber) Subscribe(ctx context.Context, opts SubscribeOptions) (Stream, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Stream), args.Error(1)
}

type MockStream struct {
	mock.Mock
}

var _ Stream = (*MockStream)(nil)

func (m *MockStream) Next(ctx context.Context) (*Event, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Event), args.Error(1)
}

func (m *MockStream) Close() error {
	args := m.Called()
	return args.Error(0)
}
