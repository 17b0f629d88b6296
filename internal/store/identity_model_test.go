package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symmbot/blocksync/internal/db"
	"github.com/symmbot/blocksync/internal/db/dbtest"
	"github.com/symmbot/blocksync/internal/metrics"
)

func openStores(t *testing.T) (*IdentityModel, *CredentialModel) {
	t.Helper()
	dsn := dbtest.Open(t)
	pool, err := db.OpenDBConnectionPool(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	metricsService := metrics.NewMetricsService()
	return &IdentityModel{DB: pool, MetricsService: metricsService},
		&CredentialModel{DB: pool, MetricsService: metricsService}
}

func TestIdentityRegisterAssignsUniquePlaceholders(t *testing.T) {
	identities, _ := openStores(t)
	ctx := context.Background()

	alice, err := identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)
	bob, err := identities.Register(ctx, "bob.example.com", false)
	require.NoError(t, err)

	assert.False(t, alice.Resolved())
	assert.False(t, bob.Resolved())
	assert.NotEqual(t, alice.DID, bob.DID)
}

func TestIdentityRegisterIsIdempotentOnHandle(t *testing.T) {
	identities, _ := openStores(t)
	ctx := context.Background()

	first, err := identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)
	second, err := identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// Re-registration must not regress a placeholder that was already issued.
	assert.Equal(t, first.DID, second.DID)
}

func TestIdentityRegisterSwapsPrimary(t *testing.T) {
	identities, _ := openStores(t)
	ctx := context.Background()

	alice, err := identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)
	require.True(t, alice.IsPrimary)

	// Promoting bob must demote alice in the same transaction; the partial
	// unique index rejects two primary rows.
	bob, err := identities.Register(ctx, "bob.example.com", true)
	require.NoError(t, err)
	assert.True(t, bob.IsPrimary)

	demoted, err := identities.GetByHandle(ctx, "alice.example.com")
	require.NoError(t, err)
	assert.False(t, demoted.IsPrimary)

	primary, err := identities.GetPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bob.example.com", primary.Handle)

	// Re-registering the current primary must not demote it.
	again, err := identities.Register(ctx, "bob.example.com", true)
	require.NoError(t, err)
	assert.True(t, again.IsPrimary)
}

func TestIdentityResolveDID(t *testing.T) {
	identities, _ := openStores(t)
	ctx := context.Background()

	registered, err := identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)
	require.False(t, registered.Resolved())

	require.NoError(t, identities.ResolveDID(ctx, "alice.example.com", "did:plc:alice123"))

	resolved, err := identities.GetByHandle(ctx, "alice.example.com")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:alice123", resolved.DID)
	assert.True(t, resolved.Resolved())

	byDID, err := identities.GetByDID(ctx, "did:plc:alice123")
	require.NoError(t, err)
	assert.Equal(t, registered.ID, byDID.ID)
}

func TestIdentityGetPrimary(t *testing.T) {
	identities, _ := openStores(t)
	ctx := context.Background()

	_, err := identities.GetPrimary(ctx)
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	_, err = identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)
	_, err = identities.Register(ctx, "bob.example.com", false)
	require.NoError(t, err)

	primary, err := identities.GetPrimary(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice.example.com", primary.Handle)
}

func TestIdentityCursorIsMonotonic(t *testing.T) {
	identities, _ := openStores(t)
	ctx := context.Background()

	alice, err := identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)

	cursor, err := identities.GetCursor(ctx, alice.ID)
	require.NoError(t, err)
	assert.False(t, cursor.Valid)

	require.NoError(t, identities.SaveCursor(ctx, alice.ID, 2000))
	// A replayed event carries an older position; the cursor must not move
	// backward.
	require.NoError(t, identities.SaveCursor(ctx, alice.ID, 1000))

	cursor, err = identities.GetCursor(ctx, alice.ID)
	require.NoError(t, err)
	require.True(t, cursor.Valid)
	assert.Equal(t, int64(2000), cursor.Int64)
}

func TestCredentialLifecycle(t *testing.T) {
	identities, credentials := openStores(t)
	ctx := context.Background()

	alice, err := identities.Register(ctx, "alice.example.com", true)
	require.NoError(t, err)

	_, err = credentials.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrCredentialNotFound)

	now := time.Now().UTC()
	credential := &Credential{
		IdentityID:       alice.ID,
		AccessToken:      "access-1",
		AccessExpiresAt:  now.Add(2 * time.Hour),
		RefreshToken:     "refresh-1",
		RefreshExpiresAt: now.Add(60 * 24 * time.Hour),
	}
	require.NoError(t, credentials.Upsert(ctx, credential))

	stored, err := credentials.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)

	credential.AccessToken = "access-2"
	require.NoError(t, credentials.Upsert(ctx, credential))

	stored, err = credentials.Get(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", stored.AccessToken)
	assert.Equal(t, "refresh-1", stored.RefreshToken)

	require.NoError(t, credentials.Delete(ctx, alice.ID))
	_, err = credentials.Get(ctx, alice.ID)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}
