package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null"

	"github.com/symmbot/blocksync/internal/db"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/utils"
)

var ErrIdentityNotFound = errors.New("identity not found")

type IdentityModel struct {
	DB             db.ConnectionPool
	MetricsService metrics.MetricsService
}

var _ IdentityStore = (*IdentityModel)(nil)

func (m *IdentityModel) Register(ctx context.Context, handle string, isPrimary bool) (*Identity, error) {
	const demoteQuery = `
		UPDATE identities
		SET is_primary = FALSE, updated_at = NOW()
		WHERE is_primary AND handle != $1
	`
	const upsertQuery = `
		INSERT INTO identities (handle, did, is_primary)
		VALUES ($1, $2, $3)
		ON CONFLICT (handle) DO UPDATE SET
			is_primary = excluded.is_primary,
			updated_at = NOW()
		RETURNING id, handle, did, is_primary, stream_cursor, created_at, updated_at
	`
	start := time.Now()
	identity, err := db.RunInTransactionWithResult(ctx, m.DB, nil, func(dbTx db.Transaction) (*Identity, error) {
		// The partial unique index on is_primary allows only one primary row,
		// so a primary swap must demote the old one before the upsert.
		if isPrimary {
			if _, err := dbTx.ExecContext(ctx, demoteQuery, handle); err != nil {
				return nil, fmt.Errorf("demoting previous primary: %w", err)
			}
		}
		var identity Identity
		if err := dbTx.GetContext(ctx, &identity, upsertQuery, handle, NewPlaceholderDID(handle), isPrimary); err != nil {
			return nil, err
		}
		return &identity, nil
	})
	m.MetricsService.ObserveDBQueryDuration("Register", "identities", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("Register", "identities", utils.GetDBErrorType(err))
		return nil, fmt.Errorf("registering identity %s: %w", handle, err)
	}
	m.MetricsService.IncDBQuery("Register", "identities")
	return identity, nil
}

func (m *IdentityModel) ResolveDID(ctx context.Context, handle, did string) error {
	const query = `
		UPDATE identities
		SET did = $2, updated_at = NOW()
		WHERE handle = $1 AND did != $2
	`
	start := time.Now()
	_, err := m.DB.ExecContext(ctx, query, handle, did)
	m.MetricsService.ObserveDBQueryDuration("ResolveDID", "identities", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("ResolveDID", "identities", utils.GetDBErrorType(err))
		return fmt.Errorf("resolving identifier for %s: %w", handle, err)
	}
	m.MetricsService.IncDBQuery("ResolveDID", "identities")
	return nil
}

func (m *IdentityModel) GetByHandle(ctx context.Context, handle string) (*Identity, error) {
	return m.getOne(ctx, "GetByHandle", `SELECT * FROM identities WHERE handle = $1`, handle)
}

func (m *IdentityModel) GetByDID(ctx context.Context, did string) (*Identity, error) {
	return m.getOne(ctx, "GetByDID", `SELECT * FROM identities WHERE did = $1`, did)
}

func (m *IdentityModel) GetPrimary(ctx context.Context) (*Identity, error) {
	return m.getOne(ctx, "GetPrimary", `SELECT * FROM identities WHERE is_primary`)
}

func (m *IdentityModel) getOne(ctx context.Context, queryType, query string, args ...interface{}) (*Identity, error) {
	var identity Identity
	start := time.Now()
	err := m.DB.GetContext(ctx, &identity, query, args...)
	m.MetricsService.ObserveDBQueryDuration(queryType, "identities", time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		m.MetricsService.IncDBQuery(queryType, "identities")
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		m.MetricsService.IncDBQueryError(queryType, "identities", utils.GetDBErrorType(err))
		return nil, fmt.Errorf("getting identity: %w", err)
	}
	m.MetricsService.IncDBQuery(queryType, "identities")
	return &identity, nil
}

func (m *IdentityModel) GetAll(ctx context.Context) ([]*Identity, error) {
	var identities []*Identity
	start := time.Now()
	err := m.DB.SelectContext(ctx, &identities, `SELECT * FROM identities ORDER BY id`)
	m.MetricsService.ObserveDBQueryDuration("GetAll", "identities", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("GetAll", "identities", utils.GetDBErrorType(err))
		return nil, fmt.Errorf("getting all identities: %w", err)
	}
	m.MetricsService.IncDBQuery("GetAll", "identities")
	return identities, nil
}

func (m *IdentityModel) GetCursor(ctx context.Context, identityID int64) (null.Int, error) {
	var cursor null.Int
	start := time.Now()
	err := m.DB.GetContext(ctx, &cursor, `SELECT stream_cursor FROM identities WHERE id = $1`, identityID)
	m.MetricsService.ObserveDBQueryDuration("GetCursor", "identities", time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		m.MetricsService.IncDBQuery("GetCursor", "identities")
		return null.Int{}, ErrIdentityNotFound
	}
	if err != nil {
		m.MetricsService.IncDBQueryError("GetCursor", "identities", utils.GetDBErrorType(err))
		return null.Int{}, fmt.Errorf("getting stream cursor for identity %d: %w", identityID, err)
	}
	m.MetricsService.IncDBQuery("GetCursor", "identities")
	return cursor, nil
}

// SaveCursor advances the identity's stream cursor. The cursor is
// monotonically non-decreasing, so stale writes from a re-delivered event are
// no-ops.
func (m *IdentityModel) SaveCursor(ctx context.Context, identityID int64, cursor int64) error {
	const query = `
		UPDATE identities
		SET stream_cursor = GREATEST(COALESCE(stream_cursor, 0), $2), updated_at = NOW()
		WHERE id = $1
	`
	start := time.Now()
	_, err := m.DB.ExecContext(ctx, query, identityID, cursor)
	m.MetricsService.ObserveDBQueryDuration("SaveCursor", "identities", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("SaveCursor", "identities", utils.GetDBErrorType(err))
		return fmt.Errorf("saving stream cursor %d for identity %d: %w", cursor, identityID, err)
	}
	m.MetricsService.IncDBQuery("SaveCursor", "identities")
	return nil
}
