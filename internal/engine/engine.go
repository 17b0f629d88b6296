// Package engine wires configuration into a running sync engine: database
// pool, outbound clients, rate limiter, session manager, per-identity
// pipelines, the list projector, and the metrics endpoint.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/symmbot/blocksync/internal/apptracker"
	"github.com/symmbot/blocksync/internal/apptracker/dryrun"
	"github.com/symmbot/blocksync/internal/apptracker/sentry"
	"github.com/symmbot/blocksync/internal/clients/bluesky"
	"github.com/symmbot/blocksync/internal/clients/clearsky"
	"github.com/symmbot/blocksync/internal/data"
	"github.com/symmbot/blocksync/internal/db"
	"github.com/symmbot/blocksync/internal/feed"
	"github.com/symmbot/blocksync/internal/metrics"
	"github.com/symmbot/blocksync/internal/ratelimit"
	"github.com/symmbot/blocksync/internal/services"
	"github.com/symmbot/blocksync/internal/session"
	"github.com/symmbot/blocksync/internal/store"
	"github.com/symmbot/blocksync/internal/utils"
)

const sentryFlushFreqSeconds = 5

type Configs struct {
	DatabaseURL string
	LogLevel    logrus.Level

	// Network endpoints.
	APIBaseURL      string
	ClearSkyBaseURL string
	FeedURL         string

	// Managed accounts. Exactly one must be primary.
	Accounts []services.AccountConfig

	// Moderation list projection.
	ListName           string
	ListDescription    string
	ProjectionInterval time.Duration

	ImportInterval time.Duration

	// Observability.
	MetricsPort int
	SentryDSN   string
	Environment string
}

type deps struct {
	pool         db.ConnectionPool
	metrics      metrics.MetricsService
	orchestrator *services.Orchestrator
}

// Run starts the engine and blocks until ctx is done, then drains the
// pipelines and closes the database pool.
func Run(ctx context.Context, cfg Configs) error {
	logrus.SetLevel(cfg.LogLevel)

	d, err := initDeps(cfg)
	if err != nil {
		return fmt.Errorf("setting up engine dependencies: %w", err)
	}
	defer utils.DeferredClose(d.pool, "closing database pool")

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsHandler(d.metrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logrus.Infof("serving metrics on port %d", cfg.MetricsPort)
		if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logrus.WithError(serveErr).Error("metrics server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logrus.WithError(shutdownErr).Warn("shutting down metrics server")
		}
	}()

	return d.orchestrator.Run(ctx)
}

func initDeps(cfg Configs) (*deps, error) {
	dbConnectionPool, err := db.OpenDBConnectionPool(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to the database: %w", err)
	}

	metricsService := metrics.NewMetricsService()
	models, err := data.NewModels(dbConnectionPool, metricsService)
	if err != nil {
		return nil, fmt.Errorf("creating models: %w", err)
	}
	identityStore := &store.IdentityModel{DB: dbConnectionPool, MetricsService: metricsService}
	credentialStore := &store.CredentialModel{DB: dbConnectionPool, MetricsService: metricsService}

	appTracker, err := buildAppTracker(cfg)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	blueskyClient, err := bluesky.NewClient(cfg.APIBaseURL, httpClient, metricsService)
	if err != nil {
		return nil, fmt.Errorf("creating API client: %w", err)
	}
	clearskyClient, err := clearsky.NewClient(cfg.ClearSkyBaseURL, httpClient, metricsService)
	if err != nil {
		return nil, fmt.Errorf("creating aggregation API client: %w", err)
	}

	limiter := ratelimit.NewLimiter(ratelimit.DefaultConfigs, metricsService)
	retryPolicy := utils.DefaultRetryPolicy
	// The importer's per-direction subtasks get their own pool. Sharing the
	// orchestrator's pool would let the long-lived pipeline tasks starve
	// them, wedging the import's group wait.
	importPool := pond.NewPool(3 * len(cfg.Accounts))

	passwords := make(map[string]string, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		passwords[account.Handle] = account.Password
	}
	sessionManager := session.NewManager(
		blueskyClient, credentialStore, identityStore,
		limiter, retryPolicy, metricsService,
		session.DefaultConfig(), passwords,
		func(handle string, from, to session.State) {
			if to == session.StateDegraded {
				appTracker.CaptureMessage(fmt.Sprintf("identity %s entered degraded state", handle))
			}
		},
	)

	importer := services.NewBulkImporter(clearskyClient, blueskyClient, sessionManager, models.Ledger, limiter, retryPolicy, importPool)
	consumer := services.NewStreamConsumer(feed.NewSubscriber(cfg.FeedURL), identityStore, models.Ledger, metricsService)
	projector := services.NewListProjector(
		sessionManager, identityStore, blueskyClient,
		models.Ledger, models.ModLists,
		limiter, retryPolicy, metricsService,
		services.ProjectorConfig{
			ListName:        cfg.ListName,
			ListDescription: cfg.ListDescription,
			Interval:        cfg.ProjectionInterval,
		},
	)

	orchestrator, err := services.NewOrchestrator(
		identityStore, sessionManager, importer, consumer, projector,
		appTracker,
		services.OrchestratorConfig{
			Accounts:       cfg.Accounts,
			ImportInterval: cfg.ImportInterval,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	return &deps{
		pool:         dbConnectionPool,
		metrics:      metricsService,
		orchestrator: orchestrator,
	}, nil
}

func buildAppTracker(cfg Configs) (apptracker.AppTracker, error) {
	if cfg.SentryDSN == "" {
		logrus.Warn("no Sentry DSN configured, errors are reported to the log only")
		return &dryrun.DryRunTracker{}, nil
	}
	tracker, err := sentry.NewSentryTracker(cfg.SentryDSN, cfg.Environment, sentryFlushFreqSeconds)
	if err != nil {
		return nil, fmt.Errorf("initializing Sentry tracker: %w", err)
	}
	return tracker, nil
}

func metricsHandler(metricsService metrics.MetricsService) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricsService.GetRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
