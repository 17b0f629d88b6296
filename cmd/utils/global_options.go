// Package utils holds the CLI's configuration plumbing: declarative option
// definitions bound to flags and environment variables through viper.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// envPrefix turns --database-url into BLOCKSYNC_DATABASE_URL.
const envPrefix = "BLOCKSYNC"

type OptType int

const (
	TypeString OptType = iota
	TypeInt
	TypeBool
	TypeDuration
)

// ConfigOption declares one option resolvable from flag, environment
// variable, or config file, in that precedence order. ConfigKey must be a
// pointer matching OptType.
type ConfigOption struct {
	Name        string
	Usage       string
	OptType     OptType
	ConfigKey   any
	FlagDefault any
	Required    bool
}

type ConfigOptions []*ConfigOption

// Init registers every option as a persistent flag on cmd and binds it to
// viper.
func (cfgOpts ConfigOptions) Init(cmd *cobra.Command) error {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, opt := range cfgOpts {
		switch opt.OptType {
		case TypeString:
			cmd.PersistentFlags().String(opt.Name, defaultOf[string](opt), opt.Usage)
		case TypeInt:
			cmd.PersistentFlags().Int(opt.Name, defaultOf[int](opt), opt.Usage)
		case TypeBool:
			cmd.PersistentFlags().Bool(opt.Name, defaultOf[bool](opt), opt.Usage)
		case TypeDuration:
			cmd.PersistentFlags().Duration(opt.Name, defaultOf[time.Duration](opt), opt.Usage)
		default:
			return fmt.Errorf("unexpected option type %d for %s", opt.OptType, opt.Name)
		}
		if err := viper.BindPFlag(opt.Name, cmd.PersistentFlags().Lookup(opt.Name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", opt.Name, err)
		}
	}
	return nil
}

// SetValues resolves every option into its ConfigKey and enforces Required.
func (cfgOpts ConfigOptions) SetValues() error {
	for _, opt := range cfgOpts {
		if err := opt.setValue(); err != nil {
			return err
		}
	}
	return nil
}

func (o *ConfigOption) setValue() error {
	switch key := o.ConfigKey.(type) {
	case *string:
		*key = viper.GetString(o.Name)
		if o.Required && *key == "" {
			return fmt.Errorf("missing required config option %q", o.Name)
		}
	case *int:
		*key = viper.GetInt(o.Name)
	case *bool:
		*key = viper.GetBool(o.Name)
	case *time.Duration:
		*key = viper.GetDuration(o.Name)
		if o.Required && *key == 0 {
			return fmt.Errorf("missing required config option %q", o.Name)
		}
	default:
		return fmt.Errorf("unexpected config key type %T for %s", o.ConfigKey, o.Name)
	}
	return nil
}

func defaultOf[T any](opt *ConfigOption) T {
	var zero T
	if opt.FlagDefault == nil {
		return zero
	}
	value, ok := opt.FlagDefault.(T)
	if !ok {
		logrus.Fatalf("flag default for %s has type %T", opt.Name, opt.FlagDefault)
	}
	return value
}

// LoadConfigFile reads an optional YAML config file into viper. Options keep
// their flag/env values when the file omits them.
func LoadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.MergeInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return nil
}

// Shared option constructors used by more than one command.

func DatabaseURLOption(configKey *string) *ConfigOption {
	return &ConfigOption{
		Name:        "database-url",
		Usage:       "Database connection URL",
		OptType:     TypeString,
		ConfigKey:   configKey,
		FlagDefault: "postgres://postgres@localhost:5432/blocksync?sslmode=disable",
		Required:    true,
	}
}

func LogLevelOption(configKey *string) *ConfigOption {
	return &ConfigOption{
		Name:        "log-level",
		Usage:       "Minimum log severity (trace, debug, info, warn, error)",
		OptType:     TypeString,
		ConfigKey:   configKey,
		FlagDefault: "info",
		Required:    false,
	}
}

func SentryDSNOption(configKey *string) *ConfigOption {
	return &ConfigOption{
		Name:      "sentry-dsn",
		Usage:     "Sentry DSN for error reporting. Errors are logged locally when unset.",
		OptType:   TypeString,
		ConfigKey: configKey,
		Required:  false,
	}
}
