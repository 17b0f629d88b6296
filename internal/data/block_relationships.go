// BlockRelationshipModel is the durable, deduplicated ledger of observed
// block relationships. It is the single multi-writer table in the system:
// the stream consumer and the bulk importer for the same identity may upsert
// concurrently, relying on the idempotent single-statement upsert instead of
// external locking.
package data

import (
	"context"
	"fmt"
	"time"

	"github.com/guregu/null"
	"github.com/lib/pq"

	"github.com/symmbot/blocksync/internal/db"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/utils"
)

type Direction string

const (
	DirectionBlocking  Direction = "blocking"
	DirectionBlockedBy Direction = "blocked_by"
)

type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusApplied SyncStatus = "applied"
)

type BlockRelationship struct {
	ID           int64       `db:"id"`
	ObserverID   int64       `db:"observer_id"`
	TargetDID    string      `db:"target_did"`
	Direction    Direction   `db:"direction"`
	TargetHandle null.String `db:"target_handle"`
	Reason       null.String `db:"reason"`
	RKey         null.String `db:"rkey"`
	FirstSeen    time.Time   `db:"first_seen"`
	LastSeen     time.Time   `db:"last_seen"`
	SyncStatus   SyncStatus  `db:"sync_status"`
}

// UpsertParams carries the observation being recorded. ObservedAt becomes
// first_seen on insert and moves last_seen forward (never backward) on
// re-observation.
type UpsertParams struct {
	ObserverID   int64
	TargetDID    string
	Direction    Direction
	TargetHandle null.String
	Reason       null.String
	RKey         null.String
	ObservedAt   time.Time
}

type BlockRelationshipModel struct {
	DB             db.ConnectionPool
	MetricsService metrics.MetricsService
}

// Upsert records an observed edge. It is idempotent on
// (observer, target, direction): re-observation updates last_seen
// monotonically and fills in the handle/rkey if they were previously unknown.
// Returns whether a new edge was created.
func (m *BlockRelationshipModel) Upsert(ctx context.Context, params UpsertParams) (bool, error) {
	const query = `
		INSERT INTO block_relationships (observer_id, target_did, direction, target_handle, reason, rkey, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (observer_id, target_did, direction) DO UPDATE SET
			last_seen = GREATEST(block_relationships.last_seen, excluded.last_seen),
			target_handle = COALESCE(excluded.target_handle, block_relationships.target_handle),
			rkey = COALESCE(excluded.rkey, block_relationships.rkey)
		RETURNING (xmax = 0) AS created
	`
	var created bool
	start := time.Now()
	err := m.DB.GetContext(ctx, &created, query,
		params.ObserverID, params.TargetDID, params.Direction,
		params.TargetHandle, params.Reason, params.RKey, params.ObservedAt)
	m.MetricsService.ObserveDBQueryDuration("Upsert", "block_relationships", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("Upsert", "block_relationships", utils.GetDBErrorType(err))
		return false, fmt.Errorf("upserting block relationship (%d, %s, %s): %w", params.ObserverID, params.TargetDID, params.Direction, err)
	}
	m.MetricsService.IncDBQuery("Upsert", "block_relationships")
	m.MetricsService.IncLedgerUpsert(string(params.Direction), created)
	return created, nil
}

// Remove deletes an edge after an explicit unblock. Returns whether a row was
// actually removed.
func (m *BlockRelationshipModel) Remove(ctx context.Context, observerID int64, targetDID string, direction Direction) (bool, error) {
	start := time.Now()
	result, err := m.DB.ExecContext(ctx,
		`DELETE FROM block_relationships WHERE observer_id = $1 AND target_did = $2 AND direction = $3`,
		observerID, targetDID, direction)
	m.MetricsService.ObserveDBQueryDuration("Remove", "block_relationships", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("Remove", "block_relationships", utils.GetDBErrorType(err))
		return false, fmt.Errorf("removing block relationship (%d, %s, %s): %w", observerID, targetDID, direction, err)
	}
	m.MetricsService.IncDBQuery("Remove", "block_relationships")

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected for remove: %w", err)
	}
	if rowsAffected > 0 {
		m.MetricsService.IncLedgerRemove(string(direction))
	}
	return rowsAffected > 0, nil
}

// RemoveByRKey deletes the edge a stream delete event references. Delete
// events carry only the record key, not the blocked identifier.
func (m *BlockRelationshipModel) RemoveByRKey(ctx context.Context, observerID int64, rkey string) (bool, error) {
	start := time.Now()
	result, err := m.DB.ExecContext(ctx,
		`DELETE FROM block_relationships WHERE observer_id = $1 AND rkey = $2 AND direction = $3`,
		observerID, rkey, DirectionBlocking)
	m.MetricsService.ObserveDBQueryDuration("RemoveByRKey", "block_relationships", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("RemoveByRKey", "block_relationships", utils.GetDBErrorType(err))
		return false, fmt.Errorf("removing block relationship by rkey (%d, %s): %w", observerID, rkey, err)
	}
	m.MetricsService.IncDBQuery("RemoveByRKey", "block_relationships")

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected for rkey remove: %w", err)
	}
	if rowsAffected > 0 {
		m.MetricsService.IncLedgerRemove(string(DirectionBlocking))
	}
	return rowsAffected > 0, nil
}

// SnapshotTargets returns the distinct target identifiers observed with the
// given direction across all managed identities. This is the projection input
// for the moderation list.
func (m *BlockRelationshipModel) SnapshotTargets(ctx context.Context, direction Direction) ([]string, error) {
	var targets []string
	start := time.Now()
	err := m.DB.SelectContext(ctx, &targets,
		`SELECT DISTINCT target_did FROM block_relationships WHERE direction = $1 ORDER BY target_did`,
		direction)
	m.MetricsService.ObserveDBQueryDuration("SnapshotTargets", "block_relationships", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("SnapshotTargets", "block_relationships", utils.GetDBErrorType(err))
		return nil, fmt.Errorf("snapshotting %s targets: %w", direction, err)
	}
	m.MetricsService.IncDBQuery("SnapshotTargets", "block_relationships")
	return targets, nil
}

// MarkApplied flips the given targets' outgoing edges to applied after a
// successful projection pass.
func (m *BlockRelationshipModel) MarkApplied(ctx context.Context, targetDIDs []string) error {
	if len(targetDIDs) == 0 {
		return nil
	}
	const query = `
		UPDATE block_relationships
		SET sync_status = 'applied'
		WHERE direction = 'blocking' AND sync_status = 'pending' AND target_did = ANY($1)
	`
	start := time.Now()
	_, err := m.DB.ExecContext(ctx, query, pq.Array(targetDIDs))
	m.MetricsService.ObserveDBQueryDuration("MarkApplied", "block_relationships", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("MarkApplied", "block_relationships", utils.GetDBErrorType(err))
		return fmt.Errorf("marking %d targets applied: %w", len(targetDIDs), err)
	}
	m.MetricsService.IncDBQuery("MarkApplied", "block_relationships")
	return nil
}

// RemoveStale deletes edges for an observer and direction that are absent
// from a complete, freshly fetched set. Used by the bulk importer to
// reconcile the ledger against a full upstream snapshot.
func (m *BlockRelationshipModel) RemoveStale(ctx context.Context, observerID int64, direction Direction, keepTargetDIDs []string) (int64, error) {
	const query = `
		DELETE FROM block_relationships
		WHERE observer_id = $1 AND direction = $2 AND target_did != ALL($3)
	`
	start := time.Now()
	result, err := m.DB.ExecContext(ctx, query, observerID, direction, pq.Array(keepTargetDIDs))
	m.MetricsService.ObserveDBQueryDuration("RemoveStale", "block_relationships", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("RemoveStale", "block_relationships", utils.GetDBErrorType(err))
		return 0, fmt.Errorf("removing stale %s edges for observer %d: %w", direction, observerID, err)
	}
	m.MetricsService.IncDBQuery("RemoveStale", "block_relationships")

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected for stale removal: %w", err)
	}
	return rowsAffected, nil
}

// GetByObserver returns all edges observed by the given identity, used by the
// importer tests and diagnostic tooling.
func (m *BlockRelationshipModel) GetByObserver(ctx context.Context, observerID int64, direction Direction) ([]*BlockRelationship, error) {
	var relationships []*BlockRelationship
	start := time.Now()
	err := m.DB.SelectContext(ctx, &relationships,
		`SELECT * FROM block_relationships WHERE observer_id = $1 AND direction = $2 ORDER BY target_did`,
		observerID, direction)
	m.MetricsService.ObserveDBQueryDuration("GetByObserver", "block_relationships", time.Since(start).Seconds())
	if err != nil {
		m.MetricsService.IncDBQueryError("GetByObserver", "block_relationships", utils.GetDBErrorType(err))
		return nil, fmt.Errorf("getting %s edges for observer %d: %w", direction, observerID, err)
	}
	m.MetricsService.IncDBQuery("GetByObserver", "block_relationships")
	return relationships, nil
}
