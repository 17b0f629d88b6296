package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/symmbot/blocksync/internal/db"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/utils"
)

var ErrCredentialNotFound = errors.New("credential not found")

// CredentialModel is the Postgres-backed CredentialStore. Each identity's
// session manager is the only writer for its row.
type CredentialModel struct {
	DB             db.ConnectionPool
	MetricsService metrics.MetricsService
}

var _ CredentialStore = (*CredentialModel)(nil)

func (m *CredentialModel) Get(ctx context.Context, identityID int64) (*Credential, error) {
	var credential Credential
	start := time.Now()
	err := m.DB.GetContext(ctx, &credential, `SELECT * FROM credentials WHERE identity_id = $1`, identityID)
	m.MetricsService.ObserveDBQueryDuration("Get", "credentials", time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		m.MetricsService.IncDBQuery("Get", "credentials")
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		m.MetricsService.IncDBQueryError("Get", "credentials", utils.GetDBErrorType(err))
		return nil, fmt.Errorf("getting credential for identity %d: %w", identityID, err)
	}
	m.MetricsService.IncDBQuery("Get", "credentials")
	return &credential, nil
}

func (m *CredentialModel) Upsert(ctx context.Context, credential *Credential) error {
	const query = `
		INSERT INTO credentials (identity_id, access_token, access_expires_at, refresh_token, refresh_expires_at, updated_at)
		VALUES (:identity_id, :access_token, :access_expires_at, :refresh_token, :refresh_expires_at, NOW())
		ON CONFLICT (identity_id) DO UPDATE SET
			access_token = excluded.access_token,
			access_expires_at = excluded.access_expires_at,
			refresh_token = excluded.refresh_token,
			refresh_expires_at = excluded.refresh_expires_at,
			updated_at = NOW()
	`
	start := time.Now()
	_, err := m.DB.NamedExecContext(ctx, query, credential)
	m.MetricsService.ObserveDBQueryDuration("Upsert", "credentials", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("Upsert", "credentials", utils.GetDBErrorType(err))
		return fmt.Errorf("upserting credential for identity %d: %w", credential.IdentityID, err)
	}
	m.MetricsService.IncDBQuery("Upsert", "credentials")
	return nil
}

func (m *CredentialModel) Delete(ctx context.Context, identityID int64) error {
	start := time.Now()
	_, err := m.DB.ExecContext(ctx, `DELETE FROM credentials WHERE identity_id = $1`, identityID)
	m.MetricsService.ObserveDBQueryDuration("Delete", "credentials", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("Delete", "credentials", utils.GetDBErrorType(err))
		return fmt.Errorf("deleting credential for identity %d: %w", identityID, err)
	}
	m.MetricsService.IncDBQuery("Delete", "credentials")
	return nil
}
