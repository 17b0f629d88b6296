package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	set "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/symmbot/blocksync/internal/clients/bluesky"
	"github.com/symmbot/blocksync/internal/data"
	"github.com/symmbot/blocksync/internal/entities"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/ratelimit"
	"github.com/symmbot/blocksync/internal/session"
	"github.com/symmbot/blocksync/internal/store"
	"github.com/symmbot/blocksync/internal/utils"
)

const listPageSize = 100

// Projector operations, for metrics.
const (
	projectorOpAdd    = "add"
	projectorOpRemove = "remove"
	projectorOpSkip   = "skip"
)

// ProjectorConfig names the shared moderation list and sets the pass cadence.
type ProjectorConfig struct {
	ListName        string
	ListDescription string
	Interval        time.Duration
}

// ListProjector keeps the primary identity's shared moderation list equal to
// the distinct set of blocking targets in the ledger. Each pass fetches the
// live membership from the network (the address is cached locally, the
// membership never is), diffs it against the intended set, and applies only
// the difference.
type ListProjector interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) error
	// Trigger requests an immediate pass, collapsing with any pending request.
	Trigger()
}

type listProjector struct {
	sessions       session.Provider
	identities     store.IdentityStore
	client         bluesky.Client
	ledger         BlockLedger
	modLists       ModListStore
	limiter        *ratelimit.Limiter
	retry          utils.RetryPolicy
	metricsService metrics.MetricsService
	cfg            ProjectorConfig

	trigger chan struct{}
	nowFunc func() time.Time
}

var _ ListProjector = (*listProjector)(nil)

func NewListProjector(
	sessions session.Provider,
	identities store.IdentityStore,
	client bluesky.Client,
	ledger BlockLedger,
	modLists ModListStore,
	limiter *ratelimit.Limiter,
	retry utils.RetryPolicy,
	metricsService metrics.MetricsService,
	cfg ProjectorConfig,
) *listProjector {
	return &listProjector{
		sessions:       sessions,
		identities:     identities,
		client:         client,
		ledger:         ledger,
		modLists:       modLists,
		limiter:        limiter,
		retry:          retry,
		metricsService: metricsService,
		cfg:            cfg,
		trigger:        make(chan struct{}, 1),
		nowFunc:        time.Now,
	}
}

func (p *listProjector) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Run projects on the configured interval and on demand. A failed pass is
// logged and retried on the next tick; only context cancellation stops the
// loop.
func (p *listProjector) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.trigger:
		}

		if err := p.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logrus.WithError(err).Error("list projection pass failed")
		}
	}
}

// RunOnce performs a single projection pass.
func (p *listProjector) RunOnce(ctx context.Context) error {
	start := p.nowFunc()
	defer func() {
		p.metricsService.ObserveProjectionDuration(time.Since(start).Seconds())
	}()

	primary, err := p.identities.GetPrimary(ctx)
	if err != nil {
		return fmt.Errorf("loading primary identity: %w", err)
	}
	credential, err := p.sessions.Obtain(ctx, primary)
	if err != nil {
		return fmt.Errorf("obtaining session for projection: %w", err)
	}

	list, err := p.ensureList(ctx, primary, credential)
	if err != nil {
		return err
	}

	intendedTargets, err := p.ledger.SnapshotTargets(ctx, data.DirectionBlocking)
	if err != nil {
		return err
	}
	intended := set.NewSet(intendedTargets...)

	current, itemRKeys, err := p.fetchMembership(ctx, primary, credential, list.ListURI)
	if err != nil {
		return err
	}

	toAdd := intended.Difference(current)
	toRemove := current.Difference(intended)
	if toAdd.Cardinality() == 0 && toRemove.Cardinality() == 0 {
		logrus.Debugf("moderation list already in sync, %d members", current.Cardinality())
		return nil
	}
	logrus.Infof("projecting moderation list: %d additions, %d removals", toAdd.Cardinality(), toRemove.Cardinality())

	// A single unprojectable target must not stall the rest of the pass.
	added := set.NewSet[string]()
	for target := range toAdd.Iter() {
		if err := p.addMember(ctx, primary, credential, list.ListURI, target); err != nil {
			if terminal := p.noteFailure(ctx, "adding", target, err); terminal != nil {
				return terminal
			}
			continue
		}
		added.Add(target)
		p.metricsService.IncProjectorOp(projectorOpAdd)
	}
	for target := range toRemove.Iter() {
		rkey, ok := itemRKeys[target]
		if !ok {
			logrus.Warnf("no list item record key for %s, skipping removal", target)
			p.metricsService.IncProjectorOp(projectorOpSkip)
			continue
		}
		if err := p.removeMember(ctx, primary, credential, rkey); err != nil {
			if terminal := p.noteFailure(ctx, "removing", target, err); terminal != nil {
				return terminal
			}
			continue
		}
		p.metricsService.IncProjectorOp(projectorOpRemove)
	}

	// Everything on the list after this pass is applied.
	applied := intended.Intersect(current).Union(added)
	if err := p.ledger.MarkApplied(ctx, applied.ToSlice()); err != nil {
		return err
	}
	return nil
}

// noteFailure decides whether a per-target failure ends the pass. Rate limits
// and expired sessions are terminal (the pass cannot make progress); anything
// else is skipped.
func (p *listProjector) noteFailure(ctx context.Context, action, target string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, rateLimited := entities.IsRateLimited(err); rateLimited || errors.Is(err, entities.ErrAuthExpired) {
		return fmt.Errorf("%s list member %s: %w", action, target, err)
	}
	logrus.WithError(err).Warnf("%s list member %s failed, skipping", action, target)
	p.metricsService.IncProjectorOp(projectorOpSkip)
	return nil
}

// ensureList returns the shared moderation list, creating it on the network
// the first time. Only the list's URI and CID are cached.
func (p *listProjector) ensureList(ctx context.Context, primary *store.Identity, credential *store.Credential) (*data.ModerationList, error) {
	list, err := p.modLists.GetByOwner(ctx, primary.DID)
	if err == nil {
		return list, nil
	}
	if !errors.Is(err, data.ErrModerationListNotFound) {
		return nil, fmt.Errorf("loading cached moderation list: %w", err)
	}

	// Prefer adopting an existing list over creating a duplicate.
	if err := p.limiter.Wait(ctx, ratelimit.ReadBucket(primary.Handle), 1); err != nil {
		return nil, err
	}
	var views []bluesky.ListView
	err = p.retry.Do(ctx, "get lists", func() error {
		var callErr error
		views, callErr = p.client.GetLists(ctx, credential.AccessToken, primary.DID)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("listing existing lists for %s: %w", primary.Handle, err)
	}

	var uri, cid string
	for _, view := range views {
		if view.Purpose == bluesky.PurposeModList && view.Name == p.cfg.ListName {
			uri, cid = view.URI, view.CID
			break
		}
	}
	if uri == "" {
		if err := p.limiter.Wait(ctx, ratelimit.WriteBucket(primary.Handle), 1); err != nil {
			return nil, err
		}
		var ref *bluesky.RecordRef
		err = p.retry.Do(ctx, "create moderation list", func() error {
			var callErr error
			ref, callErr = p.client.CreateRecord(ctx, credential.AccessToken, primary.DID, bluesky.CollectionList, bluesky.ListRecord{
				Type:        bluesky.CollectionList,
				Purpose:     bluesky.PurposeModList,
				Name:        p.cfg.ListName,
				Description: p.cfg.ListDescription,
				CreatedAt:   p.nowFunc().UTC().Format(time.RFC3339),
			})
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("creating moderation list: %w", err)
		}
		uri, cid = ref.URI, ref.CID
		logrus.Infof("created moderation list %q at %s", p.cfg.ListName, uri)
	}

	list = &data.ModerationList{
		ListURI:  uri,
		ListCID:  cid,
		OwnerDID: primary.DID,
		Name:     p.cfg.ListName,
	}
	if err := p.modLists.Upsert(ctx, list); err != nil {
		return nil, fmt.Errorf("caching moderation list address: %w", err)
	}
	return list, nil
}

// fetchMembership pages through the live list, returning the member set and
// each member's list-item record key (needed for removals).
func (p *listProjector) fetchMembership(ctx context.Context, primary *store.Identity, credential *store.Credential, listURI string) (set.Set[string], map[string]string, error) {
	members := set.NewSet[string]()
	itemRKeys := make(map[string]string)

	cursor := ""
	for {
		if err := p.limiter.Wait(ctx, ratelimit.ReadBucket(primary.Handle), 1); err != nil {
			return nil, nil, err
		}
		var page *bluesky.ListPage
		err := p.retry.Do(ctx, "get list page", func() error {
			var callErr error
			page, callErr = p.client.GetList(ctx, credential.AccessToken, listURI, cursor, listPageSize)
			return callErr
		})
		if err != nil {
			return nil, nil, fmt.Errorf("fetching list membership: %w", err)
		}

		for _, item := range page.Items {
			members.Add(item.Subject.DID)
			if rkey := rkeyFromURI(item.URI); rkey != "" {
				itemRKeys[item.Subject.DID] = rkey
			}
		}
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	return members, itemRKeys, nil
}

func (p *listProjector) addMember(ctx context.Context, primary *store.Identity, credential *store.Credential, listURI, target string) error {
	if err := p.limiter.Wait(ctx, ratelimit.WriteBucket(primary.Handle), 1); err != nil {
		return err
	}
	return p.retry.Do(ctx, "add list member", func() error {
		_, err := p.client.CreateRecord(ctx, credential.AccessToken, primary.DID, bluesky.CollectionListItem, bluesky.ListItemRecord{
			Type:      bluesky.CollectionListItem,
			Subject:   target,
			List:      listURI,
			CreatedAt: p.nowFunc().UTC().Format(time.RFC3339),
		})
		if entities.IsConflict(err) {
			// Already a member, from a previous partially applied pass.
			return nil
		}
		return err
	})
}

func (p *listProjector) removeMember(ctx context.Context, primary *store.Identity, credential *store.Credential, rkey string) error {
	if err := p.limiter.Wait(ctx, ratelimit.WriteBucket(primary.Handle), 1); err != nil {
		return err
	}
	return p.retry.Do(ctx, "remove list member", func() error {
		err := p.client.DeleteRecord(ctx, credential.AccessToken, primary.DID, bluesky.CollectionListItem, rkey)
		if errors.Is(err, entities.ErrNotFound) {
			return nil
		}
		return err
	})
}

// rkeyFromURI extracts the record key from an AT URI like
// at://did:plc:abc/app.bsky.graph.listitem/3k2akd7.
func rkeyFromURI(uri string) string {
	idx := strings.LastIndex(uri, "/")
	if idx < 0 || idx == len(uri)-1 {
		return ""
	}
	return uri[idx+1:]
}
