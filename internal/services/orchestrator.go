package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"

	"github.com/symmbot/blocksync/internal/apptracker"
	"github.com/symmbot/blocksync/internal/session"
	"github.com/symmbot/blocksync/internal/store"
)

// AccountConfig is one managed account from configuration.
type AccountConfig struct {
	Handle   string
	Password string
	Primary  bool
}

type OrchestratorConfig struct {
	Accounts []AccountConfig
	// ImportInterval is how often each identity is re-reconciled against the
	// aggregation API. Zero disables periodic re-imports; the startup import
	// always runs.
	ImportInterval time.Duration
	// RestartDelay paces identity restarts after a degraded session or
	// stream.
	RestartDelay time.Duration
}

// Orchestrator registers the configured identities and supervises one sync
// pipeline per identity plus the shared list projector. Per identity the
// order is fixed: authenticate (which resolves the identifier), bulk import,
// then the live stream. A failing identity is restarted after a pause and
// never takes the others down with it.
type Orchestrator struct {
	identities store.IdentityStore
	sessions   session.Provider
	importer   BulkImporter
	consumer   StreamConsumer
	projector  ListProjector
	appTracker apptracker.AppTracker
	pool       pond.Pool
	cfg        OrchestratorConfig
}

func NewOrchestrator(
	identities store.IdentityStore,
	sessions session.Provider,
	importer BulkImporter,
	consumer StreamConsumer,
	projector ListProjector,
	appTracker apptracker.AppTracker,
	cfg OrchestratorConfig,
) (*Orchestrator, error) {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 5 * time.Minute
	}
	primaries := 0
	for _, account := range cfg.Accounts {
		if account.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("exactly one primary account required, got %d", primaries)
	}
	// Every submitted task holds its worker for the life of the process: one
	// pipeline and one import loop per identity plus the projector. The pool
	// is sized so all of them run at once; a smaller pool would leave whole
	// identities queued forever.
	pool := pond.NewPool(2*len(cfg.Accounts) + 1)
	return &Orchestrator{
		identities: identities,
		sessions:   sessions,
		importer:   importer,
		consumer:   consumer,
		projector:  projector,
		appTracker: appTracker,
		pool:       pool,
		cfg:        cfg,
	}, nil
}

// Run blocks until ctx is done, then waits for all pipelines to drain.
func (o *Orchestrator) Run(ctx context.Context) error {
	identities := make([]*store.Identity, 0, len(o.cfg.Accounts))
	for _, account := range o.cfg.Accounts {
		identity, err := o.identities.Register(ctx, account.Handle, account.Primary)
		if err != nil {
			return fmt.Errorf("registering identity %s: %w", account.Handle, err)
		}
		identities = append(identities, identity)
	}
	logrus.Infof("orchestrating %d identities", len(identities))

	group := o.pool.NewGroupContext(ctx)
	for _, identity := range identities {
		identity := identity
		group.Submit(func() {
			o.runIdentity(ctx, identity)
		})
		if o.cfg.ImportInterval > 0 {
			group.Submit(func() {
				o.importLoop(ctx, identity)
			})
		}
	}
	group.Submit(func() {
		if err := o.projector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.appTracker.CaptureException(fmt.Errorf("list projector stopped: %w", err))
		}
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("waiting for sync pipelines: %w", err)
	}
	return nil
}

// runIdentity drives one identity's pipeline until ctx is done, restarting
// it after failures.
func (o *Orchestrator) runIdentity(ctx context.Context, identity *store.Identity) {
	log := logrus.WithField("handle", identity.Handle)

	for ctx.Err() == nil {
		err := o.syncIdentity(ctx, identity)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, session.ErrDegraded) || errors.Is(err, ErrStreamDegraded) {
			o.appTracker.CaptureException(fmt.Errorf("identity %s degraded: %w", identity.Handle, err))
		}
		log.WithError(err).Errorf("identity pipeline stopped, restarting in %s", o.cfg.RestartDelay)
		if sleepErr := sleepCtx(ctx, o.cfg.RestartDelay); sleepErr != nil {
			return
		}
	}
}

func (o *Orchestrator) syncIdentity(ctx context.Context, identity *store.Identity) error {
	// Authentication first: it resolves the placeholder identifier the
	// import and the stream subscription both key on.
	if _, err := o.sessions.Obtain(ctx, identity); err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	if _, err := o.importer.ImportIdentity(ctx, identity); err != nil {
		return fmt.Errorf("bulk importing: %w", err)
	}
	o.projector.Trigger()

	return o.consumer.Run(ctx, identity)
}

// importLoop periodically re-reconciles the identity against the aggregation
// API while the stream runs. Failures are logged and retried next tick.
func (o *Orchestrator) importLoop(ctx context.Context, identity *store.Identity) {
	ticker := time.NewTicker(o.cfg.ImportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Reload: the pipeline goroutine may have resolved the identifier
		// since registration.
		fresh, err := o.identities.GetByHandle(ctx, identity.Handle)
		if err != nil {
			logrus.WithField("handle", identity.Handle).
				WithError(err).Error("reloading identity for periodic import")
			continue
		}

		if _, err := o.importer.ImportIdentity(ctx, fresh); err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.WithField("handle", identity.Handle).
				WithError(err).Error("periodic bulk import failed")
			continue
		}
		o.projector.Trigger()
	}
}
