package session

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/symmbot/blocksync/internal/store"
)

// Provider is the surface the sync services consume.
type Provider interface {
	Obtain(ctx context.Context, identity *store.Identity) (*store.Credential, error)
	StateOf(identityID int64) State
}

var _ Provider = (*Manager)(nil)

type MockProvider struct {
	mock.Mock
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) Obtain(ctx context.Context, identity *store.Identity) (*store.Credential, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Credential), args.Error(1)
}

func (m *MockProvider) StateOf(identityID int64) State {
	args := m.Called(identityID)
	return args.Get(0).(State)
}
