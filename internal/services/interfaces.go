// Package services contains the sync engine's long-running workers: the bulk
// importer, the event-stream consumer, the list projector, and the
// orchestrator that supervises them per managed identity.
package services

import (
	"context"

	"github.com/symmbot/blocksync/internal/data"
)

// BlockLedger is the slice of the block-relationship model the services
// depend on.
type BlockLedger interface {
	Upsert(ctx context.Context, params data.UpsertParams) (bool, error)
	Remove(ctx context.Context, observerID int64, targetDID string, direction data.Direction) (bool, error)
	RemoveByRKey(ctx context.Context, observerID int64, rkey string) (bool, error)
	SnapshotTargets(ctx context.Context, direction data.Direction) ([]string, error)
	MarkApplied(ctx context.Context, targetDIDs []string) error
	RemoveStale(ctx context.Context, observerID int64, direction data.Direction, keepTargetDIDs []string) (int64, error)
}

var _ BlockLedger = (*data.BlockRelationshipModel)(nil)

// ModListStore caches the shared moderation list's address.
type ModListStore interface {
	Upsert(ctx context.Context, list *data.ModerationList) error
	GetByOwner(ctx context.Context, ownerDID string) (*data.ModerationList, error)
}

var _ ModListStore = (*data.ModerationListModel)(nil)
