package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"moex-ingest/internal/ingest"
	"moex-ingest/internal/models"
	"moex-ingest/pkg/utils"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one full ingestion",
		Long: `Refresh the stock listing, then load candles and dividends for every
persisted stock. Exits non-zero only when the listing could not be loaded;
per-ticker failures are reported with status partial_failure.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			report, runErr := app.newOrchestrator(repo, nil, nil).Run(ctx)
			if err := printReport(NewOutput(cmd), report); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newBackfillCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill <ticker>...",
		Short: "Re-ingest candles and dividends for specific tickers",
		Long: `Load candles and dividends for already persisted stocks, resuming each
ticker from its stored progress. Unknown tickers are reported as failures.`,
		Example: "  moexingest backfill SBER GAZP",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			report, runErr := app.newOrchestrator(repo, nil, nil).RunTicker(ctx, args...)
			if err := printReport(NewOutput(cmd), report); err != nil {
				return err
			}
			return runErr
		},
	}
}

func printReport(output *Output, report *ingest.Report) error {
	if report == nil {
		return nil
	}
	if output.IsJSON() {
		return output.JSON(report)
	}
	if output.IsCSV() {
		results := report.Results
		if results == nil {
			results = []ingest.Result{}
		}
		return output.CSV(&results)
	}

	output.Bold("Ingestion run %s", report.RunID)
	output.Printf("  Status:    %s\n", statusText(output, report.Status))
	output.Printf("  Duration:  %s\n", utils.FormatDuration(report.Duration()))
	output.Printf("  Stocks:    %s\n", utils.FormatCount(int64(report.Stocks)))
	output.Printf("  Candles:   %s\n", utils.FormatCount(int64(report.Candles)))
	output.Printf("  Dividends: %s\n", utils.FormatCount(int64(report.Dividends)))
	if report.Error != "" {
		output.Error("  Error:     %s", report.Error)
	}

	failures := report.Failures()
	if len(failures) == 0 {
		return nil
	}

	output.Println()
	output.Warning("%d failed job(s)", len(failures))
	table := NewTable(output, "Ticker", "Job", "Written", "Error")
	table.SetRightAligned(2)
	for _, f := range failures {
		table.AddRow(f.Ticker, string(f.Kind), strconv.Itoa(f.Count), utils.TruncateString(f.Error, 80))
	}
	table.Render()
	return nil
}

func statusText(output *Output, status models.RunStatus) string {
	switch status {
	case models.RunDone:
		return output.ColoredString(ColorGreen, string(status))
	case models.RunPartialFailure:
		return output.ColoredString(ColorYellow, string(status))
	case models.RunFailed:
		return output.ColoredString(ColorRed, string(status))
	default:
		return string(status)
	}
}
