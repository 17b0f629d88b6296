package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/symmbot/blocksync/internal/clients/bluesky"
	"github.com/symmbot/blocksync/internal/clients/clearsky"
	"github.com/symmbot/blocksync/internal/data"
	"github.com/symmbot/blocksync/internal/entities"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/ratelimit"
	"github.com/symmbot/blocksync/internal/session"
	"github.com/symmbot/blocksync/internal/store"
	"github.com/symmbot/blocksync/internal/utils"
)

type importerFixture struct {
	importer *bulkImporter
	clearsky *clearsky.MockClient
	network  *bluesky.MockClient
	sessions *session.MockProvider
	ledger   *MockBlockLedger
}

func newImporterFixture(t *testing.T) *importerFixture {
	t.Helper()
	f := &importerFixture{
		clearsky: &clearsky.MockClient{},
		network:  &bluesky.MockClient{},
		sessions: &session.MockProvider{},
		ledger:   &MockBlockLedger{},
	}
	f.importer = NewBulkImporter(
		f.clearsky, f.network, f.sessions, f.ledger,
		ratelimit.NewLimiter(nil, metrics.NewMetricsService()),
		utils.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		pond.NewPool(4),
	)
	f.importer.rateLimitPenalty = time.Millisecond
	return f
}

// expectEmptyNetworkBlocks satisfies the reconciliation pass with an empty
// block list, for tests focused on the aggregation API.
func (f *importerFixture) expectEmptyNetworkBlocks(identity *store.Identity) {
	f.sessions.On("Obtain", mock.Anything, identity).
		Return(&store.Credential{IdentityID: identity.ID, AccessToken: "access-token"}, nil).Once()
	f.network.On("GetBlocks", mock.Anything, "access-token", "", networkBlocksPageSize).
		Return(&bluesky.BlocksPage{}, nil).Once()
}

func TestImportSkipsUnresolvedIdentity(t *testing.T) {
	f := newImporterFixture(t)

	identity := &store.Identity{
		ID:     1,
		Handle: "alice.example.com",
		DID:    store.NewPlaceholderDID("alice.example.com"),
	}

	summary, err := f.importer.ImportIdentity(context.Background(), identity)
	require.NoError(t, err)
	assert.Zero(t, summary.BlockingSeen)
	assert.Zero(t, summary.BlockedBySeen)

	f.clearsky.AssertNotCalled(t, "GetBlocking", mock.Anything, mock.Anything, mock.Anything)
	f.clearsky.AssertNotCalled(t, "GetBlockedBy", mock.Anything, mock.Anything, mock.Anything)
	f.clearsky.AssertNotCalled(t, "GetBlockedByCount", mock.Anything, mock.Anything)
	f.sessions.AssertNotCalled(t, "Obtain", mock.Anything, mock.Anything)
	f.network.AssertNotCalled(t, "GetBlocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestImportBothDirectionsAndPrunesStale(t *testing.T) {
	f := newImporterFixture(t)

	identity := &store.Identity{ID: 1, Handle: "alice.example.com", DID: "did:plc:alice123"}
	f.expectEmptyNetworkBlocks(identity)

	f.clearsky.On("GetBlockedByCount", mock.Anything, "did:plc:alice123").Return(int64(2), nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, "did:plc:alice123", 1).Return([]clearsky.Edge{
		{DID: "did:plc:t1", BlockedDate: "2025-07-01T10:00:00Z"},
		{DID: "did:plc:t2", BlockedDate: "2025-07-02T10:00:00Z"},
		{DID: "did:plc:t3"},
	}, nil).Once()
	f.clearsky.On("GetBlockedBy", mock.Anything, "did:plc:alice123", 1).Return([]clearsky.Edge{
		{DID: "did:plc:b1", BlockedDate: "2025-07-03T10:00:00Z"},
		{DID: "did:plc:b2", BlockedDate: "2025-07-04T10:00:00Z"},
	}, nil).Once()

	f.ledger.On("Upsert", mock.Anything, mock.MatchedBy(func(p data.UpsertParams) bool {
		return p.ObserverID == 1 && p.Direction == data.DirectionBlocking
	})).Return(true, nil).Times(3)
	f.ledger.On("Upsert", mock.Anything, mock.MatchedBy(func(p data.UpsertParams) bool {
		return p.ObserverID == 1 && p.Direction == data.DirectionBlockedBy
	})).Return(false, nil).Times(2)

	f.ledger.On("RemoveStale", mock.Anything, int64(1), data.DirectionBlocking,
		[]string{"did:plc:t1", "did:plc:t2", "did:plc:t3"}).Return(int64(1), nil).Once()
	f.ledger.On("RemoveStale", mock.Anything, int64(1), data.DirectionBlockedBy,
		[]string{"did:plc:b1", "did:plc:b2"}).Return(int64(0), nil).Once()

	summary, err := f.importer.ImportIdentity(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.BlockingSeen)
	assert.Equal(t, 2, summary.BlockedBySeen)
	assert.Equal(t, 3, summary.Created)
	assert.Equal(t, int64(1), summary.StaleRemoved)

	f.ledger.AssertExpectations(t)
	f.clearsky.AssertExpectations(t)
}

func TestImportMergesNetworkBlocksIntoKeepSet(t *testing.T) {
	f := newImporterFixture(t)

	identity := &store.Identity{ID: 1, Handle: "alice.example.com", DID: "did:plc:alice123"}

	// The aggregation API only knows about t1; the account's own block list
	// carries a fresher block of t4 that must survive the stale prune.
	f.clearsky.On("GetBlockedByCount", mock.Anything, mock.Anything).Return(int64(0), nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, "did:plc:alice123", 1).
		Return([]clearsky.Edge{{DID: "did:plc:t1"}}, nil).Once()
	f.clearsky.On("GetBlockedBy", mock.Anything, "did:plc:alice123", 1).
		Return([]clearsky.Edge{}, nil).Once()

	f.sessions.On("Obtain", mock.Anything, identity).
		Return(&store.Credential{IdentityID: 1, AccessToken: "access-token"}, nil).Once()
	f.network.On("GetBlocks", mock.Anything, "access-token", "", networkBlocksPageSize).
		Return(&bluesky.BlocksPage{
			Blocks: []bluesky.Actor{{DID: "did:plc:t1", Handle: "t1.example.com"}},
			Cursor: "page2",
		}, nil).Once()
	f.network.On("GetBlocks", mock.Anything, "access-token", "page2", networkBlocksPageSize).
		Return(&bluesky.BlocksPage{
			Blocks: []bluesky.Actor{{DID: "did:plc:t4", Handle: "t4.example.com"}},
		}, nil).Once()

	f.ledger.On("Upsert", mock.Anything, mock.MatchedBy(func(p data.UpsertParams) bool {
		return p.TargetDID == "did:plc:t1" && p.Direction == data.DirectionBlocking
	})).Return(false, nil).Twice()
	f.ledger.On("Upsert", mock.Anything, mock.MatchedBy(func(p data.UpsertParams) bool {
		return p.TargetDID == "did:plc:t4" && p.Direction == data.DirectionBlocking &&
			p.TargetHandle.Valid && p.TargetHandle.String == "t4.example.com"
	})).Return(true, nil).Once()

	// The keep set is the deduplicated union of both sources.
	f.ledger.On("RemoveStale", mock.Anything, int64(1), data.DirectionBlocking,
		[]string{"did:plc:t1", "did:plc:t4"}).Return(int64(2), nil).Once()
	f.ledger.On("RemoveStale", mock.Anything, int64(1), data.DirectionBlockedBy,
		mock.Anything).Return(int64(0), nil).Once()

	summary, err := f.importer.ImportIdentity(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.BlockingSeen)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, int64(2), summary.StaleRemoved)

	f.ledger.AssertExpectations(t)
	f.network.AssertExpectations(t)
}

func TestImportCountProbeConsumesReadBudget(t *testing.T) {
	clearskyClient := &clearsky.MockClient{}
	network := &bluesky.MockClient{}
	sessions := &session.MockProvider{}
	ledger := &MockBlockLedger{}

	// A single unit of read budget: the blocked-by count probe takes it, so
	// every page fetch afterwards must block until the context gives up.
	limiter := ratelimit.NewLimiter(map[string]ratelimit.Config{
		ratelimit.ClassRead: {Ceiling: 1, Window: time.Hour},
	}, metrics.NewMetricsService())
	importer := NewBulkImporter(
		clearskyClient, network, sessions, ledger, limiter,
		utils.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		pond.NewPool(4),
	)

	identity := &store.Identity{ID: 1, Handle: "alice.example.com", DID: "did:plc:alice123"}

	clearskyClient.On("GetBlockedByCount", mock.Anything, "did:plc:alice123").Return(int64(5), nil).Once()
	sessions.On("Obtain", mock.Anything, identity).
		Return(&store.Credential{IdentityID: 1, AccessToken: "access-token"}, nil).Maybe()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := importer.ImportIdentity(ctx, identity)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	clearskyClient.AssertNumberOfCalls(t, "GetBlockedByCount", 1)
	clearskyClient.AssertNotCalled(t, "GetBlocking", mock.Anything, mock.Anything, mock.Anything)
	clearskyClient.AssertNotCalled(t, "GetBlockedBy", mock.Anything, mock.Anything, mock.Anything)
	network.AssertNotCalled(t, "GetBlocks", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestImportWalksPaginationUntilShortPage(t *testing.T) {
	f := newImporterFixture(t)

	identity := &store.Identity{ID: 1, Handle: "alice.example.com", DID: "did:plc:alice123"}
	f.expectEmptyNetworkBlocks(identity)

	fullPage := make([]clearsky.Edge, clearsky.PageSize)
	for i := range fullPage {
		fullPage[i] = clearsky.Edge{DID: fmt.Sprintf("did:plc:page1-%03d", i)}
	}

	f.clearsky.On("GetBlockedByCount", mock.Anything, mock.Anything).Return(int64(0), nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, "did:plc:alice123", 1).Return(fullPage, nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, "did:plc:alice123", 2).Return([]clearsky.Edge{{DID: "did:plc:last"}}, nil).Once()
	f.clearsky.On("GetBlockedBy", mock.Anything, "did:plc:alice123", 1).Return([]clearsky.Edge{}, nil).Once()

	f.ledger.On("Upsert", mock.Anything, mock.Anything).Return(false, nil)
	f.ledger.On("RemoveStale", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)

	summary, err := f.importer.ImportIdentity(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, clearsky.PageSize+1, summary.BlockingSeen)
	f.clearsky.AssertExpectations(t)
}

func TestImportTreatsNotFoundAsEndOfPagination(t *testing.T) {
	f := newImporterFixture(t)

	identity := &store.Identity{ID: 1, Handle: "alice.example.com", DID: "did:plc:alice123"}
	f.expectEmptyNetworkBlocks(identity)

	fullPage := make([]clearsky.Edge, clearsky.PageSize)
	for i := range fullPage {
		fullPage[i] = clearsky.Edge{DID: fmt.Sprintf("did:plc:t%03d", i)}
	}

	f.clearsky.On("GetBlockedByCount", mock.Anything, mock.Anything).Return(int64(0), nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, mock.Anything, 1).Return(fullPage, nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, mock.Anything, 2).Return(nil, entities.ErrNotFound).Once()
	f.clearsky.On("GetBlockedBy", mock.Anything, mock.Anything, 1).Return([]clearsky.Edge{}, nil).Once()

	f.ledger.On("Upsert", mock.Anything, mock.Anything).Return(false, nil)
	f.ledger.On("RemoveStale", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)

	_, err := f.importer.ImportIdentity(context.Background(), identity)
	require.NoError(t, err)
	f.clearsky.AssertExpectations(t)
}

func TestImportRetriesPageAfterRateLimit(t *testing.T) {
	f := newImporterFixture(t)

	identity := &store.Identity{ID: 1, Handle: "alice.example.com", DID: "did:plc:alice123"}
	f.expectEmptyNetworkBlocks(identity)

	f.clearsky.On("GetBlockedByCount", mock.Anything, mock.Anything).Return(int64(0), nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, mock.Anything, 1).
		Return(nil, &entities.RateLimitedError{RetryAfter: time.Millisecond}).Once()
	f.clearsky.On("GetBlocking", mock.Anything, mock.Anything, 1).
		Return([]clearsky.Edge{{DID: "did:plc:t1"}}, nil).Once()
	f.clearsky.On("GetBlockedBy", mock.Anything, mock.Anything, 1).Return([]clearsky.Edge{}, nil).Once()

	f.ledger.On("Upsert", mock.Anything, mock.Anything).Return(true, nil).Once()
	f.ledger.On("RemoveStale", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)

	summary, err := f.importer.ImportIdentity(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BlockingSeen)
	f.clearsky.AssertExpectations(t)
}

func TestImportDoesNotPruneOnPartialFailure(t *testing.T) {
	f := newImporterFixture(t)

	identity := &store.Identity{ID: 1, Handle: "alice.example.com", DID: "did:plc:alice123"}
	f.expectEmptyNetworkBlocks(identity)

	f.clearsky.On("GetBlockedByCount", mock.Anything, mock.Anything).Return(int64(0), nil).Once()
	f.clearsky.On("GetBlocking", mock.Anything, mock.Anything, 1).Return([]clearsky.Edge{{DID: "did:plc:t1"}}, nil).Once()
	f.clearsky.On("GetBlockedBy", mock.Anything, mock.Anything, 1).
		Return(nil, &entities.APIError{StatusCode: 400, Message: "bad request"}).Once()

	f.ledger.On("Upsert", mock.Anything, mock.Anything).Return(true, nil).Maybe()

	_, err := f.importer.ImportIdentity(context.Background(), identity)
	require.Error(t, err)
	f.ledger.AssertNotCalled(t, "RemoveStale", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
