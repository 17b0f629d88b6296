package bluesky

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockClient struct {
	mock.Mock
}

var _ Client = (*MockClient)(nil)

func (m *MockClient) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	args := m.Called(ctx, identifier, password)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockClient) RefreshSession(ctx context.Context, refreshJWT string) (*Session, error) {
	args := m.Called(ctx, refreshJWT)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Session), args.Error(1)
}

func (m *MockClient) CreateRecord(ctx context.Context, accessJWT, repo, collection string, record any) (*RecordRef, error) {
	args := m.Called(ctx, accessJWT, repo, collection, record)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*RecordRef), args.Error(1)
}

func (m *MockClient) DeleteRecord(ctx context.Context, accessJWT, repo, collection, rkey string) error {
	args := m.Called(ctx, accessJWT, repo, collection, rkey)
	return args.Error(0)
}

func (m *MockClient) GetBlocks(ctx context.Context, accessJWT, cursor string, limit int) (*BlocksPage, error) {
	args := m.Called(ctx, accessJWT, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*BlocksPage), args.Error(1)
}

func (m *MockClient) GetLists(ctx context.Context, accessJWT, actor string) ([]ListView, error) {
	args := m.Called(ctx, accessJWT, actor)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ListView), args.Error(1)
}

func (m *MockClient) GetList(ctx context.Context, accessJWT, listURI, cursor string, limit int) (*ListPage, error) {
	args := m.Called(ctx, accessJWT, listURI, cursor, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ListPage), args.Error(1)
}
