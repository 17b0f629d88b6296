package data

import (
	"context"
	"testing"
	"time"

	"github.com/guregu/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symmbot/blocksync/internal/db"
	"github.com/symmbot/blocksync/internal/db/dbtest"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/store"
)

func openLedger(t *testing.T) (*BlockRelationshipModel, *store.IdentityModel) {
	t.Helper()
	dsn := dbtest.Open(t)
	pool, err := db.OpenDBConnectionPool(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	metricsService := metrics.NewMetricsService()
	return &BlockRelationshipModel{DB: pool, MetricsService: metricsService},
		&store.IdentityModel{DB: pool, MetricsService: metricsService}
}

func registerObserver(t *testing.T, identities *store.IdentityModel, handle string) int64 {
	t.Helper()
	identity, err := identities.Register(context.Background(), handle, handle == "alice.example.com")
	require.NoError(t, err)
	return identity.ID
}

func TestUpsertIsIdempotentPerEdge(t *testing.T) {
	ledger, identities := openLedger(t)
	ctx := context.Background()
	alice := registerObserver(t, identities, "alice.example.com")

	firstSeen := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	created, err := ledger.Upsert(ctx, UpsertParams{
		ObserverID: alice,
		TargetDID:  "did:plc:target1",
		Direction:  DirectionBlocking,
		ObservedAt: firstSeen,
	})
	require.NoError(t, err)
	assert.True(t, created)

	// Re-observation of the same edge is not a new row, and it fills in the
	// fields the first observation lacked.
	created, err = ledger.Upsert(ctx, UpsertParams{
		ObserverID:   alice,
		TargetDID:    "did:plc:target1",
		Direction:    DirectionBlocking,
		TargetHandle: null.StringFrom("target1.example.com"),
		RKey:         null.StringFrom("3kabc"),
		ObservedAt:   firstSeen.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)

	edges, err := ledger.GetByObserver(ctx, alice, DirectionBlocking)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, firstSeen, edges[0].FirstSeen.UTC())
	assert.Equal(t, firstSeen.Add(time.Hour), edges[0].LastSeen.UTC())
	assert.Equal(t, "target1.example.com", edges[0].TargetHandle.String)
	assert.Equal(t, "3kabc", edges[0].RKey.String)
	assert.Equal(t, SyncStatusPending, edges[0].SyncStatus)
}

func TestUpsertLastSeenNeverMovesBackward(t *testing.T) {
	ledger, identities := openLedger(t)
	ctx := context.Background()
	alice := registerObserver(t, identities, "alice.example.com")

	observedAt := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	_, err := ledger.Upsert(ctx, UpsertParams{
		ObserverID: alice,
		TargetDID:  "did:plc:target1",
		Direction:  DirectionBlocking,
		ObservedAt: observedAt,
	})
	require.NoError(t, err)

	// A replayed older observation must not rewind last_seen.
	_, err = ledger.Upsert(ctx, UpsertParams{
		ObserverID: alice,
		TargetDID:  "did:plc:target1",
		Direction:  DirectionBlocking,
		ObservedAt: observedAt.Add(-time.Hour),
	})
	require.NoError(t, err)

	edges, err := ledger.GetByObserver(ctx, alice, DirectionBlocking)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, observedAt, edges[0].LastSeen.UTC())
}

func TestUpsertDirectionsAreIndependentEdges(t *testing.T) {
	ledger, identities := openLedger(t)
	ctx := context.Background()
	alice := registerObserver(t, identities, "alice.example.com")

	observedAt := time.Now().UTC()
	created, err := ledger.Upsert(ctx, UpsertParams{
		ObserverID: alice, TargetDID: "did:plc:target1",
		Direction: DirectionBlocking, ObservedAt: observedAt,
	})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = ledger.Upsert(ctx, UpsertParams{
		ObserverID: alice, TargetDID: "did:plc:target1",
		Direction: DirectionBlockedBy, ObservedAt: observedAt,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestRemoveAndRemoveByRKey(t *testing.T) {
	ledger, identities := openLedger(t)
	ctx := context.Background()
	alice := registerObserver(t, identities, "alice.example.com")

	observedAt := time.Now().UTC()
	_, err := ledger.Upsert(ctx, UpsertParams{
		ObserverID: alice, TargetDID: "did:plc:target1",
		Direction: DirectionBlocking, RKey: null.StringFrom("3kabc"),
		ObservedAt: observedAt,
	})
	require.NoError(t, err)
	_, err = ledger.Upsert(ctx, UpsertParams{
		ObserverID: alice, TargetDID: "did:plc:target2",
		Direction: DirectionBlocking, ObservedAt: observedAt,
	})
	require.NoError(t, err)

	removed, err := ledger.RemoveByRKey(ctx, alice, "3kabc")
	require.NoError(t, err)
	assert.True(t, removed)

	// Unknown rkeys are a no-op: delete events may reference records the
	// ledger never saw.
	removed, err = ledger.RemoveByRKey(ctx, alice, "3kzzz")
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = ledger.Remove(ctx, alice, "did:plc:target2", DirectionBlocking)
	require.NoError(t, err)
	assert.True(t, removed)

	edges, err := ledger.GetByObserver(ctx, alice, DirectionBlocking)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestSnapshotTargetsDeduplicatesAcrossObservers(t *testing.T) {
	ledger, identities := openLedger(t)
	ctx := context.Background()
	alice := registerObserver(t, identities, "alice.example.com")
	bob := registerObserver(t, identities, "bob.example.com")

	observedAt := time.Now().UTC()
	for _, edge := range []struct {
		observer  int64
		target    string
		direction Direction
	}{
		{alice, "did:plc:shared", DirectionBlocking},
		{bob, "did:plc:shared", DirectionBlocking},
		{alice, "did:plc:onlyalice", DirectionBlocking},
		{bob, "did:plc:inbound", DirectionBlockedBy},
	} {
		_, err := ledger.Upsert(ctx, UpsertParams{
			ObserverID: edge.observer, TargetDID: edge.target,
			Direction: edge.direction, ObservedAt: observedAt,
		})
		require.NoError(t, err)
	}

	targets, err := ledger.SnapshotTargets(ctx, DirectionBlocking)
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:onlyalice", "did:plc:shared"}, targets)
}

func TestMarkApplied(t *testing.T) {
	ledger, identities := openLedger(t)
	ctx := context.Background()
	alice := registerObserver(t, identities, "alice.example.com")
	bob := registerObserver(t, identities, "bob.example.com")

	observedAt := time.Now().UTC()
	for _, edge := range []struct {
		observer int64
		target   string
	}{
		{alice, "did:plc:target1"},
		{bob, "did:plc:target1"},
		{alice, "did:plc:target2"},
	} {
		_, err := ledger.Upsert(ctx, UpsertParams{
			ObserverID: edge.observer, TargetDID: edge.target,
			Direction: DirectionBlocking, ObservedAt: observedAt,
		})
		require.NoError(t, err)
	}

	require.NoError(t, ledger.MarkApplied(ctx, []string{"did:plc:target1"}))

	aliceEdges, err := ledger.GetByObserver(ctx, alice, DirectionBlocking)
	require.NoError(t, err)
	require.Len(t, aliceEdges, 2)
	assert.Equal(t, SyncStatusApplied, aliceEdges[0].SyncStatus)
	assert.Equal(t, SyncStatusPending, aliceEdges[1].SyncStatus)

	// Applying covers every observer's edge for the target.
	bobEdges, err := ledger.GetByObserver(ctx, bob, DirectionBlocking)
	require.NoError(t, err)
	require.Len(t, bobEdges, 1)
	assert.Equal(t, SyncStatusApplied, bobEdges[0].SyncStatus)
}

func TestRemoveStaleKeepsFreshSnapshot(t *testing.T) {
	ledger, identities := openLedger(t)
	ctx := context.Background()
	alice := registerObserver(t, identities, "alice.example.com")
	bob := registerObserver(t, identities, "bob.example.com")

	observedAt := time.Now().UTC()
	for _, edge := range []struct {
		observer  int64
		target    string
		direction Direction
	}{
		{alice, "did:plc:keep1", DirectionBlocking},
		{alice, "did:plc:keep2", DirectionBlocking},
		{alice, "did:plc:stale", DirectionBlocking},
		{alice, "did:plc:inbound", DirectionBlockedBy},
		{bob, "did:plc:stale", DirectionBlocking},
	} {
		_, err := ledger.Upsert(ctx, UpsertParams{
			ObserverID: edge.observer, TargetDID: edge.target,
			Direction: edge.direction, ObservedAt: observedAt,
		})
		require.NoError(t, err)
	}

	removed, err := ledger.RemoveStale(ctx, alice, DirectionBlocking, []string{"did:plc:keep1", "did:plc:keep2"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	edges, err := ledger.GetByObserver(ctx, alice, DirectionBlocking)
	require.NoError(t, err)
	require.Len(t, edges, 2)
	assert.Equal(t, "did:plc:keep1", edges[0].TargetDID)
	assert.Equal(t, "did:plc:keep2", edges[1].TargetDID)

	// Other observers and other directions are untouched.
	inbound, err := ledger.GetByObserver(ctx, alice, DirectionBlockedBy)
	require.NoError(t, err)
	assert.Len(t, inbound, 1)
	bobEdges, err := ledger.GetByObserver(ctx, bob, DirectionBlocking)
	require.NoError(t, err)
	assert.Len(t, bobEdges, 1)
}
