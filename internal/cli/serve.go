package cli

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"moex-ingest/internal/metrics"
	"moex-ingest/internal/scheduler"
)

func newServeCmd(app *App) *cobra.Command {
	var runOnStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run ingestion on the configured cron schedule",
		Long: `Start the scheduler and, when enabled, the /metrics and /healthz listener.
Stops gracefully on SIGINT or SIGTERM, cancelling any run in progress after
its fetched data has been written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := app.Logger

			repo, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)
			health := metrics.NewHealthStatus()

			schedCfg := app.Config.Schedule
			if cmd.Flags().Changed("run-on-start") {
				schedCfg.RunOnStart = runOnStart
			}

			sched, err := scheduler.New(app.newOrchestrator(repo, m, health), schedCfg, health, logger)
			if err != nil {
				return err
			}

			var srv *metrics.Server
			if app.Config.Metrics.Enabled {
				srv = metrics.NewServer(app.Config.Metrics.Addr, m, health, logger)
				srv.Start()
			}

			sched.Start()
			NewOutput(cmd).Info("Scheduler running (%s), next run at %s. Press Ctrl+C to stop.",
				schedCfg.Spec, sched.Next().Format("2006-01-02 15:04 MST"))

			<-ctx.Done()
			logger.Info().Msg("Shutdown signal received")

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			var errs []error
			if err := sched.Stop(stopCtx); err != nil {
				errs = append(errs, err)
			}
			if srv != nil {
				if err := srv.Stop(stopCtx); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}

	cmd.Flags().BoolVar(&runOnStart, "run-on-start", false, "run an ingestion immediately on startup")
	return cmd
}
