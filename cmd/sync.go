package cmd

import (
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/symmbot/blocksync/cmd/utils"
	"github.com/symmbot/blocksync/internal/engine"
)

type syncCmd struct{}

func (c *syncCmd) Command() *cobra.Command {
	cfg := engine.Configs{}

	var logLevel string
	var configFile string
	cfgOpts := utils.ConfigOptions{
		utils.DatabaseURLOption(&cfg.DatabaseURL),
		utils.LogLevelOption(&logLevel),
		utils.SentryDSNOption(&cfg.SentryDSN),
		{
			Name:        "config-file",
			Usage:       "YAML file holding the managed accounts and their app passwords",
			OptType:     utils.TypeString,
			ConfigKey:   &configFile,
			FlagDefault: "blocksync.yaml",
			Required:    true,
		},
		{
			Name:        "api-base-url",
			Usage:       "Base URL of the PDS the managed accounts live on",
			OptType:     utils.TypeString,
			ConfigKey:   &cfg.APIBaseURL,
			FlagDefault: "https://bsky.social",
			Required:    true,
		},
		{
			Name:        "clearsky-base-url",
			Usage:       "Base URL of the ClearSky aggregation API",
			OptType:     utils.TypeString,
			ConfigKey:   &cfg.ClearSkyBaseURL,
			FlagDefault: "https://api.clearsky.services/api/v1/anon",
			Required:    true,
		},
		{
			Name:        "feed-url",
			Usage:       "Websocket endpoint of the change-event stream",
			OptType:     utils.TypeString,
			ConfigKey:   &cfg.FeedURL,
			FlagDefault: "wss://jetstream2.us-east.bsky.network/subscribe",
			Required:    true,
		},
		{
			Name:        "list-name",
			Usage:       "Name of the shared moderation list",
			OptType:     utils.TypeString,
			ConfigKey:   &cfg.ListName,
			FlagDefault: "Synced blocks",
			Required:    true,
		},
		{
			Name:        "list-description",
			Usage:       "Description recorded on the shared moderation list",
			OptType:     utils.TypeString,
			ConfigKey:   &cfg.ListDescription,
			FlagDefault: "Accounts blocked by any of the managed identities.",
			Required:    false,
		},
		{
			Name:        "projection-interval",
			Usage:       "How often the moderation list is reconciled with the ledger",
			OptType:     utils.TypeDuration,
			ConfigKey:   &cfg.ProjectionInterval,
			FlagDefault: 15 * time.Minute,
			Required:    true,
		},
		{
			Name:        "import-interval",
			Usage:       "How often each identity is re-imported from the aggregation API. Zero imports only at startup.",
			OptType:     utils.TypeDuration,
			ConfigKey:   &cfg.ImportInterval,
			FlagDefault: 12 * time.Hour,
			Required:    false,
		},
		{
			Name:        "metrics-port",
			Usage:       "Port for the Prometheus metrics and health endpoints",
			OptType:     utils.TypeInt,
			ConfigKey:   &cfg.MetricsPort,
			FlagDefault: 8002,
			Required:    false,
		},
		{
			Name:        "environment",
			Usage:       "Deployment environment reported to Sentry",
			OptType:     utils.TypeString,
			ConfigKey:   &cfg.Environment,
			FlagDefault: "development",
			Required:    false,
		},
	}

	syncCobraCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run the block-list synchronization engine",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if err := cfgOpts.SetValues(); err != nil {
				logrus.Fatalf("Error setting values of config options: %s", err.Error())
			}
			if err := utils.LoadConfigFile(configFile); err != nil {
				logrus.Fatalf("Error loading config file: %s", err.Error())
			}
			if err := viper.UnmarshalKey("accounts", &cfg.Accounts); err != nil {
				logrus.Fatalf("Error parsing accounts from config file: %s", err.Error())
			}

			parsedLevel, err := logrus.ParseLevel(logLevel)
			if err != nil {
				logrus.Fatalf("Invalid log level %q: %s", logLevel, err.Error())
			}
			cfg.LogLevel = parsedLevel
		},
		Run: func(cmd *cobra.Command, _ []string) {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := engine.Run(ctx, cfg); err != nil {
				logrus.Fatalf("Error running sync engine: %v", err)
			}
			logrus.Info("Sync engine stopped")
		},
	}

	if err := cfgOpts.Init(syncCobraCmd); err != nil {
		logrus.Fatalf("Error initializing a config option: %s", err.Error())
	}

	return syncCobraCmd
}
