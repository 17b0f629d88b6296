package store

import (
	"context"

	"github.com/guregu/null"
	"github.com/stretchr/testify/mock"
)

type MockIdentityStore struct {
	mock.Mock
}

var _ IdentityStore = (*MockIdentityStore)(nil)

func (m *MockIdentityStore) Register(ctx context.Context, handle string, isPrimary bool) (*Identity, error) {
	args := m.Called(ctx, handle, isPrimary)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Identity), args.Error(1)
}

func (m *MockIdentityStore) ResolveDID(ctx context.Context, handle, did string) error {
	args := m.Called(ctx, handle, did)
	return args.Error(0)
}

func (m *MockIdentityStore) GetByHandle(ctx context.Context, handle string) (*Identity, error) {
	args := m.Called(ctx, handle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Identity), args.Error(1)
}

func (m *MockIdentityStore) GetByDID(ctx context.Context, did string) (*Identity, error) {
	args := m.Called(ctx, did)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Identity), args.Error(1)
}

func (m *MockIdentityStore) GetPrimary(ctx context.Context) (*Identity, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Identity), args.Error(1)
}

func (m *MockIdentityStore) GetAll(ctx context.Context) ([]*Identity, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Identity), args.Error(1)
}

func (m *MockIdentityStore) GetCursor(ctx context.Context, identityID int64) (null.Int, error) {
	args := m.Called(ctx, identityID)
	return args.Get(0).(null.Int), args.Error(1)
}

func (m *MockIdentityStore) SaveCursor(ctx context.Context, identityID int64, cursor int64) error {
	args := m.Called(ctx, identityID, cursor)
	return args.Error(0)
}

type MockCredentialStore struct {
	mock.Mock
}

var _ CredentialStore = (*MockCredentialStore)(nil)

func (m *MockCredentialStore) Get(ctx context.Context, identityID int64) (*Credential, error) {
	args := m.Called(ctx, identityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Credential), args.Error(1)
}

func (m *MockCredentialStore) Upsert(ctx context.Context, credential *Credential) error {
	args := m.Called(ctx, credential)
	return args.Error(0)
}

func (m *MockCredentialStore) Delete(ctx context.Context, identityID int64) error {
	args := m.Called(ctx, identityID)
	return args.Error(0)
}
