// Command pgtransit is the ops CLI of the pg-transit broker: schema
// migration, message publishing, maintenance sweeps, and a read-only
// monitor server.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	pgtransit "github.com/delimaa/pg-transit"
)

const version = "v0.3.0"

var (
	flagConfig   string
	flagDSN      string
	flagLogLevel string
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "pgtransit",
		Short:   "PostgreSQL-backed message broker ops",
		Version: version,
		Long: `pgtransit operates a pg-transit broker: job queues, ordered event
logs, and pub/sub on nothing but PostgreSQL.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := zerolog.ParseLevel(flagLogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", flagLogLevel, err)
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		// Accept snake_case spellings of every flag.
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagDSN, "dsn", "", "PostgreSQL DSN (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")

	rootCmd.AddCommand(
		newMigrateCmd(),
		newStatusCmd(),
		newSendCmd(),
		newTrimCmd(),
		newResetStaleCmd(),
		newProcessScheduledCmd(),
		newMonitorCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig resolves the effective broker config from file, flags, and
// environment.
func loadConfig() (pgtransit.Config, error) {
	cfg := pgtransit.DefaultConfig()

	if flagConfig != "" {
		var err error
		if cfg, err = pgtransit.LoadConfig(flagConfig); err != nil {
			return cfg, err
		}
	}

	if flagDSN != "" {
		cfg.DB.DSN = flagDSN
	}
	if cfg.DB.DSN == "" {
		cfg.DB.DSN = os.Getenv("PG_TRANSIT_DSN")
	}
	if cfg.DB.DSN == "" {
		return cfg, fmt.Errorf("no DSN: pass --dsn, set PG_TRANSIT_DSN, or provide a config file")
	}

	return cfg, nil
}
