// Package cli provides the command-line interface for the ingestion pipeline.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"moex-ingest/internal/config"
	"moex-ingest/internal/ingest"
	"moex-ingest/internal/logging"
	"moex-ingest/internal/metrics"
	"moex-ingest/internal/moex"
	"moex-ingest/internal/notify"
	"moex-ingest/internal/store"
)

// Version information, overridden at build time with -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

const (
	// skipConfig marks commands that must work without a valid config file.
	skipConfig = "skip_config"

	notifyTimeout   = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

// App holds the application dependencies.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI. The logger is replaced by
// one built from the loaded configuration before any command runs.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "moexingest",
		Short: "MOEX market-data ingestion pipeline",
		Long: `moexingest loads the Moscow Exchange share listing, historical candles
and dividend events from the ISS API into a relational store.

Run it once with 'moexingest run', or keep it running on a schedule with
'moexingest serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			if app.ConfigDir == "" {
				app.ConfigDir = config.DefaultConfigDir()
			}
			debug, _ := cmd.Flags().GetBool("debug")

			if cmd.Annotations[skipConfig] != "true" {
				cfg, err := config.Load(app.ConfigDir)
				if err != nil {
					return err
				}
				app.Config = cfg
				app.Logger = logging.NewLoggerWithConfig(cfg.Logging)
			}

			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/moex-ingest)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("csv", false, "output tabular data as CSV")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newBackfillCmd(app))
	rootCmd.AddCommand(newServeCmd(app))
	rootCmd.AddCommand(newStocksCmd(app))
	rootCmd.AddCommand(newRunsCmd(app))
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// openStore opens the configured repository.
func (a *App) openStore(ctx context.Context) (store.Repository, error) {
	repo, err := store.Open(ctx, a.Config.Store)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", a.Config.Store.Driver, err)
	}
	a.Logger.Debug().Str("driver", a.Config.Store.Driver).Msg("Store opened")
	return repo, nil
}

// newOrchestrator wires the ISS client, the store, metrics and notifications.
// m and health may be nil.
func (a *App) newOrchestrator(repo store.Repository, m *metrics.Metrics, health *metrics.HealthStatus) *ingest.Orchestrator {
	client := moex.NewClient(a.Config.ClientConfig(), a.Logger)
	if health != nil {
		health.SetBreakerSource(client.BreakerStats)
	}

	var opts []ingest.Option
	if m != nil {
		client.SetObserver(m.ObserveRequest)
		opts = append(opts, ingest.WithMetrics(m))
	}

	orch := ingest.New(client, repo, a.Config.IngestConfig(), a.Logger, opts...)

	notifier := notify.NewMultiNotifier(a.Config.Notifications, a.Logger)
	if len(notifier.Channels()) > 0 {
		orch.Subscribe(notifier.Handler(notifyTimeout))
		a.Logger.Debug().Strs("channels", notifier.Channels()).Msg("Notifications enabled")
	}
	return orch
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("moexingest v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
