package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	set "github.com/deckarep/golang-set/v2"
	"github.com/guregu/null"
	"github.com/sirupsen/logrus"

	"github.com/symmbot/blocksync/internal/clients/bluesky"
	"github.com/symmbot/blocksync/internal/clients/clearsky"
	"github.com/symmbot/blocksync/internal/data"
	"github.com/symmbot/blocksync/internal/entities"
	"github.com/symmbot/blocksync/internal/ratelimit"
	"github.com/symmbot/blocksync/internal/session"
	"github.com/symmbot/blocksync/internal/store"
	"github.com/symmbot/blocksync/internal/utils"
)

const networkBlocksPageSize = 100

// ImportSummary reports what one bulk import pass did.
type ImportSummary struct {
	BlockingSeen  int
	BlockedBySeen int
	Created       int
	StaleRemoved  int64
}

// BulkImporter seeds and reconciles the ledger from the aggregation API's
// full per-identity snapshots, cross-checked against the network's own block
// list. Each run fetches the complete blocking and blocked-by sets and
// removes edges neither source still reports.
type BulkImporter interface {
	ImportIdentity(ctx context.Context, identity *store.Identity) (*ImportSummary, error)
}

type bulkImporter struct {
	clearskyClient clearsky.Client
	network        bluesky.Client
	sessions       session.Provider
	ledger         BlockLedger
	limiter        *ratelimit.Limiter
	retry          utils.RetryPolicy
	pool           pond.Pool

	// rateLimitPenalty is applied to the read bucket on a 429 without a
	// retry-after hint.
	rateLimitPenalty time.Duration
	nowFunc          func() time.Time
}

var _ BulkImporter = (*bulkImporter)(nil)

func NewBulkImporter(
	clearskyClient clearsky.Client,
	network bluesky.Client,
	sessions session.Provider,
	ledger BlockLedger,
	limiter *ratelimit.Limiter,
	retry utils.RetryPolicy,
	pool pond.Pool,
) *bulkImporter {
	return &bulkImporter{
		clearskyClient:   clearskyClient,
		network:          network,
		sessions:         sessions,
		ledger:           ledger,
		limiter:          limiter,
		retry:            retry,
		pool:             pool,
		rateLimitPenalty: time.Minute,
		nowFunc:          time.Now,
	}
}

// ImportIdentity runs one full import pass for the identity. An unresolved
// identity (still holding a placeholder identifier) is skipped without a
// single network call: the aggregation API is keyed on real identifiers.
// Stale edges are pruned only after every source fetched completely.
func (b *bulkImporter) ImportIdentity(ctx context.Context, identity *store.Identity) (*ImportSummary, error) {
	log := logrus.WithField("handle", identity.Handle)

	if !identity.Resolved() {
		log.Warn("skipping bulk import for unresolved identity")
		return &ImportSummary{}, nil
	}

	if err := b.limiter.Wait(ctx, ratelimit.ReadBucket(identity.Handle), 1); err != nil {
		return nil, err
	}
	if total, err := b.clearskyClient.GetBlockedByCount(ctx, identity.DID); err != nil {
		log.WithError(err).Warn("could not fetch blocked-by count, importing anyway")
	} else {
		log.Infof("starting bulk import, upstream reports %d blockers", total)
	}

	summary := &ImportSummary{}
	var blockingSeen, blockedBySeen, networkSeen []string
	var blockingCreated, blockedByCreated, networkCreated int
	var errs []error
	errMu := sync.Mutex{}

	group := b.pool.NewGroupContext(ctx)
	group.Submit(func() {
		var err error
		blockingSeen, blockingCreated, err = b.importDirection(ctx, identity, data.DirectionBlocking)
		if err != nil {
			errMu.Lock()
			errs = append(errs, fmt.Errorf("importing blocking edges: %w", err))
			errMu.Unlock()
		}
	})
	group.Submit(func() {
		var err error
		blockedBySeen, blockedByCreated, err = b.importDirection(ctx, identity, data.DirectionBlockedBy)
		if err != nil {
			errMu.Lock()
			errs = append(errs, fmt.Errorf("importing blocked-by edges: %w", err))
			errMu.Unlock()
		}
	})
	group.Submit(func() {
		var err error
		networkSeen, networkCreated, err = b.reconcileNetworkBlocks(ctx, identity)
		if err != nil {
			errMu.Lock()
			errs = append(errs, fmt.Errorf("reconciling network block list: %w", err))
			errMu.Unlock()
		}
	})
	if err := group.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("waiting for import workers: %w", err))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("bulk import for %s: %w", identity.Handle, errors.Join(errs...))
	}

	// The aggregation API can lag behind fresh blocks; the network's own
	// block list is authoritative for the outgoing direction, so the keep
	// set is the union of both sources.
	blockingKeep := set.NewSet(blockingSeen...)
	blockingKeep.Append(networkSeen...)
	keepTargets := blockingKeep.ToSlice()
	sort.Strings(keepTargets)

	summary.BlockingSeen = len(keepTargets)
	summary.BlockedBySeen = len(blockedBySeen)
	summary.Created = blockingCreated + blockedByCreated + networkCreated

	for direction, seen := range map[data.Direction][]string{
		data.DirectionBlocking:  keepTargets,
		data.DirectionBlockedBy: blockedBySeen,
	} {
		removed, err := b.ledger.RemoveStale(ctx, identity.ID, direction, seen)
		if err != nil {
			return nil, fmt.Errorf("pruning stale %s edges for %s: %w", direction, identity.Handle, err)
		}
		summary.StaleRemoved += removed
	}

	log.Infof("bulk import done: %d blocking, %d blocked-by, %d new, %d stale removed",
		summary.BlockingSeen, summary.BlockedBySeen, summary.Created, summary.StaleRemoved)
	return summary, nil
}

// importDirection walks the aggregation API's pagination for one direction,
// upserting every edge. Returns the full set of target identifiers seen and
// how many were new.
func (b *bulkImporter) importDirection(ctx context.Context, identity *store.Identity, direction data.Direction) ([]string, int, error) {
	fetch := b.clearskyClient.GetBlocking
	if direction == data.DirectionBlockedBy {
		fetch = b.clearskyClient.GetBlockedBy
	}

	var seen []string
	created := 0
	for page := 1; ; page++ {
		if err := b.limiter.Wait(ctx, ratelimit.ReadBucket(identity.Handle), 1); err != nil {
			return nil, 0, err
		}

		var edges []clearsky.Edge
		err := b.retry.Do(ctx, fmt.Sprintf("fetch %s page %d", direction, page), func() error {
			var fetchErr error
			edges, fetchErr = fetch(ctx, identity.DID, page)
			return fetchErr
		})
		if errors.Is(err, entities.ErrNotFound) {
			// Past the last page.
			break
		}
		if retryAfter, rateLimited := entities.IsRateLimited(err); rateLimited {
			penalty := retryAfter
			if penalty <= 0 {
				penalty = b.rateLimitPenalty
			}
			b.limiter.Penalize(ratelimit.ReadBucket(identity.Handle), penalty)
			logrus.WithField("handle", identity.Handle).
				Warnf("aggregation API rate limited, pausing %s imports for %s", direction, penalty)
			page--
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("fetching %s page %d for %s: %w", direction, page, identity.DID, err)
		}

		for _, edge := range edges {
			isNew, upsertErr := b.ledger.Upsert(ctx, data.UpsertParams{
				ObserverID: identity.ID,
				TargetDID:  edge.DID,
				Direction:  direction,
				ObservedAt: b.observedAt(edge),
			})
			if upsertErr != nil {
				return nil, 0, upsertErr
			}
			if isNew {
				created++
			}
			seen = append(seen, edge.DID)
		}

		if len(edges) < clearsky.PageSize {
			break
		}
	}
	return seen, created, nil
}

// reconcileNetworkBlocks pages through the identity's own block list on the
// network, upserting every member as an outgoing edge.
func (b *bulkImporter) reconcileNetworkBlocks(ctx context.Context, identity *store.Identity) ([]string, int, error) {
	credential, err := b.sessions.Obtain(ctx, identity)
	if err != nil {
		return nil, 0, fmt.Errorf("obtaining session for %s: %w", identity.Handle, err)
	}

	var seen []string
	created := 0
	cursor := ""
	for {
		if err := b.limiter.Wait(ctx, ratelimit.ReadBucket(identity.Handle), 1); err != nil {
			return nil, 0, err
		}

		var page *bluesky.BlocksPage
		err := b.retry.Do(ctx, "fetch network blocks", func() error {
			var fetchErr error
			page, fetchErr = b.network.GetBlocks(ctx, credential.AccessToken, cursor, networkBlocksPageSize)
			return fetchErr
		})
		if retryAfter, rateLimited := entities.IsRateLimited(err); rateLimited {
			penalty := retryAfter
			if penalty <= 0 {
				penalty = b.rateLimitPenalty
			}
			b.limiter.Penalize(ratelimit.ReadBucket(identity.Handle), penalty)
			logrus.WithField("handle", identity.Handle).
				Warnf("network rate limited, pausing block list reconciliation for %s", penalty)
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("fetching network blocks for %s: %w", identity.DID, err)
		}

		for _, actor := range page.Blocks {
			isNew, upsertErr := b.ledger.Upsert(ctx, data.UpsertParams{
				ObserverID:   identity.ID,
				TargetDID:    actor.DID,
				Direction:    data.DirectionBlocking,
				TargetHandle: null.NewString(actor.Handle, actor.Handle != ""),
				ObservedAt:   b.nowFunc(),
			})
			if upsertErr != nil {
				return nil, 0, upsertErr
			}
			if isNew {
				created++
			}
			seen = append(seen, actor.DID)
		}

		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return seen, created, nil
}

func (b *bulkImporter) observedAt(edge clearsky.Edge) time.Time {
	if edge.BlockedDate != "" {
		if ts, err := time.Parse(time.RFC3339, edge.BlockedDate); err == nil {
			return ts
		}
	}
	return b.nowFunc()
}
