package data

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

var ErrModerationListNotFound = errors.New("moderation list not found")

type ModerationList struct {
	ListURI   string    `db:"list_uri"`
	ListCID   string    `db:"list_cid"`
	OwnerDID  string    `db:"owner_did"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ModerationListModel caches the shared moderation list's URI and CID. The
// list membership itself is never cached; the projector re-fetches it from
// the network on every pass.
type ModerationListModel struct {
	DB             db.ConnectionPool
	MetricsService metrics.MetricsService
}

func (m *ModerationListModel) Upsert(ctx context.Context, list *ModerationList) error {
	const query = `
		INSERT INTO moderation_lists (list_uri, list_cid, owner_did, name)
		VALUES (:list_uri, :list_cid, :owner_did, :name)
		ON CONFLICT (list_uri) DO UPDATE SET
			list_cid = excluded.list_cid,
			name = excluded.name,
			updated_at = NOW()
	`
	start := time.Now()
	_, err := m.DB.NamedExecContext(ctx, query, list)
	m.MetricsService.ObserveDBQueryDuration("Upsert", "moderation_lists", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("Upsert", "moderation_lists", utils.GetDBErrorType(err))
		return fmt.Errorf("upserting moderation list %s: %w", list.ListURI, err)
	}
	m.MetricsService.IncDBQuery("Upsert", "moderation_lists")
	return nil
}

func (m *ModerationListModel) GetByOwner(ctx context.Context, ownerDID string) (*ModerationList, error) {
	var list ModerationList
	start := time.Now()
	err := m.DB.GetContext(ctx, &list,
		`SELECT * FROM moderation_lists WHERE owner_did = $1 ORDER BY created_at LIMIT 1`, ownerDID)
	m.MetricsService.ObserveDBQueryDuration("GetByOwner", "moderation_lists", time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		m.MetricsService.IncDBQuery("GetByOwner", "moderation_lists")
		return nil, ErrModerationListNotFound
	}
	if err != nil {
		m.MetricsService.IncDBQueryError("GetByOwner", "moderation_lists", utils.GetDBErrorType(err))
		return nil, fmt.Errorf("getting moderation list for owner %s: %w", ownerDID, err)
	}
	m.MetricsService.IncDBQuery("GetByOwner", "moderation_lists")
	return &list, nil
}
