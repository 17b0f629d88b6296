package data

import (
	"errors"

	"github.com/symmbot/blocksync/internal/db"
	"github.com/symmbot/blocksync/internal/metrics"
)

type Models struct {
	Ledger   *BlockRelationshipModel
	ModLists *ModerationListModel
}

func NewModels(pool db.ConnectionPool, metricsService metrics.MetricsService) (*Models, error) {
	if pool == nil {
		return nil, errors.New("ConnectionPool must be initialized")
	}
	if metricsService == nil {
		return nil, errors.New("MetricsService must be initialized")
	}

	return &Models{
		Ledger:   &BlockRelationshipModel{DB: pool, MetricsService: metricsService},
		ModLists: &ModerationListModel{DB: pool, MetricsService: metricsService},
	}, nil
}
