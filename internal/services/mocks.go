package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/symmbot/blocksync/internal/data"
	"github.com/symmbot/blocksync/internal/store"
)

type MockBlockLedger struct {
	mock.Mock
}

var _ BlockLedger = (*MockBlockLedger)(nil)

func (m *MockBlockLedger) Upsert(ctx context.Context, params data.UpsertParams) (bool, error) {
	args := m.Called(ctx, params)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlockLedger) Remove(ctx context.Context, observerID int64, targetDID string, direction data.Direction) (bool, error) {
	args := m.Called(ctx, observerID, targetDID, direction)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlockLedger) RemoveByRKey(ctx context.Context, observerID int64, rkey string) (bool, error) {
	args := m.Called(ctx, observerID, rkey)
	return args.Bool(0), args.Error(1)
}

func (m *MockBlockLedger) SnapshotTargets(ctx context.Context, direction data.Direction) ([]string, error) {
	args := m.Called(ctx, direction)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockBlockLedger) MarkApplied(ctx context.Context, targetDIDs []string) error {
	args := m.Called(ctx, targetDIDs)
	return args.Error(0)
}

func (m *MockBlockLedger) RemoveStale(ctx context.Context, observerID int64, direction data.Direction, keepTargetDIDs []string) (int64, error) {
	args := m.Called(ctx, observerID, direction, keepTargetDIDs)
	return args.Get(0).(int64), args.Error(1)
}

type MockModListStore struct {
	mock.Mock
}

var _ ModListStore = (*MockModListStore)(nil)

func (m *MockModListStore) Upsert(ctx context.Context, list *data.ModerationList) error {
	args := m.Called(ctx, list)
	return args.Error(0)
}

func (m *MockModListStore) GetByOwner(ctx context.Context, ownerDID string) (*data.ModerationList, error) {
	args := m.Called(ctx, ownerDID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*data.ModerationList), args.Error(1)
}

type MockBulkImporter struct {
	mock.Mock
}

var _ BulkImporter = (*MockBulkImporter)(nil)

func (m *MockBulkImporter) ImportIdentity(ctx context.Context, identity *store.Identity) (*ImportSummary, error) {
	args := m.Called(ctx, identity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ImportSummary), args.Error(1)
}

type MockStreamConsumer struct {
	mock.Mock
}

var _ StreamConsumer = (*MockStreamConsumer)(nil)

func (m *MockStreamConsumer) Run(ctx context.Context, identity *store.Identity) error {
	args := m.Called(ctx, identity)
	return args.Error(0)
}

type MockListProjector struct {
	mock.Mock
}

var _ ListProjector = (*MockListProjector)(nil)

func (m *MockListProjector) Run(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockListProjector) RunOnce(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockListProjector) Trigger() {
	m.Called()
}
