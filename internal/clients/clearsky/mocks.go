package clearsky

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) GetBlocking(ctx context.Context, did string, page int) ([]Edge, error) {
	args := m.Called(ctx, did, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Edge), args.Error(1)
}

func (m *MockClient) GetBlockedBy(ctx context.Context, did string, page int) ([]Edge, error) {
	args := m.Called(ctx, did, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Edge), args.Error(1)
}

func (m *MockClient) GetBlockedByCount(ctx context.Context, did string) (int64, error) {
	args := m.Called(ctx, did)
	return args.Get(0).(int64), args.Error(1)
}
