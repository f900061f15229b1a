package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"moex-ingest/internal/models"
	"moex-ingest/pkg/utils"
)

// stockRow is the flat export form of a stock.
type stockRow struct {
	Ticker     string `json:"ticker" csv:"ticker"`
	ShortName  string `json:"shortname" csv:"shortname"`
	ISIN       string `json:"isin" csv:"isin"`
	Status     string `json:"status" csv:"status"`
	SecType    string `json:"sectype" csv:"sectype"`
	TypeName   string `json:"sectype_name" csv:"sectype_name"`
	ListLevel  int    `json:"listlevel" csv:"listlevel"`
	LotSize    int64  `json:"lotsize" csv:"lotsize"`
	PrevPrice  string `json:"prevprice" csv:"prevprice"`
	Currency   string `json:"currencyid" csv:"currencyid"`
	SettleDate string `json:"settledate" csv:"settledate"`
	Candles    *int   `json:"candles,omitempty" csv:"candles"`
	Dividends  *int   `json:"dividends,omitempty" csv:"dividends"`
}

func toStockRow(s models.Stock) stockRow {
	return stockRow{
		Ticker:     s.Ticker,
		ShortName:  s.ShortName,
		ISIN:       s.ISIN,
		Status:     string(s.Status),
		SecType:    string(s.SecType),
		TypeName:   s.SecType.Label(),
		ListLevel:  int(s.ListLevel),
		LotSize:    s.LotSize,
		PrevPrice:  s.PrevPrice.String(),
		Currency:   s.CurrencyID,
		SettleDate: utils.FormatDate(s.SettleDate),
	}
}

func newStocksCmd(app *App) *cobra.Command {
	var withCounts bool

	cmd := &cobra.Command{
		Use:   "stocks",
		Short: "List persisted stocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			stocks, err := repo.ListStocks(ctx)
			if err != nil {
				return err
			}

			rows := make([]stockRow, 0, len(stocks))
			for _, s := range stocks {
				row := toStockRow(s)
				if withCounts {
					candles, err := repo.CountCandles(ctx, s.Ticker)
					if err != nil {
						return err
					}
					dividends, err := repo.CountDividends(ctx, s.Ticker)
					if err != nil {
						return err
					}
					row.Candles, row.Dividends = &candles, &dividends
				}
				rows = append(rows, row)
			}

			output := NewOutput(cmd)
			switch {
			case output.IsJSON():
				return output.JSON(rows)
			case output.IsCSV():
				return output.CSV(&rows)
			}

			if len(rows) == 0 {
				output.Dim("No stocks stored yet. Run 'moexingest run' first.")
				return nil
			}

			headers := []string{"Ticker", "Name", "ISIN", "Status", "Level", "Prev price", "Settle date"}
			if withCounts {
				headers = append(headers, "Candles", "Dividends")
			}
			table := NewTable(output, headers...)
			if withCounts {
				table.SetRightAligned(5, 7, 8)
			} else {
				table.SetRightAligned(5)
			}
			for _, r := range rows {
				cells := []string{
					r.Ticker, r.ShortName, r.ISIN, r.Status, strconv.Itoa(r.ListLevel),
					r.PrevPrice + " " + r.Currency, r.SettleDate,
				}
				if withCounts {
					cells = append(cells, utils.FormatCount(int64(*r.Candles)), utils.FormatCount(int64(*r.Dividends)))
				}
				table.AddRow(cells...)
			}
			table.Render()
			output.Dim("%d stock(s)", len(rows))
			return nil
		},
	}

	cmd.Flags().BoolVar(&withCounts, "counts", false, "include stored candle and dividend counts")
	return cmd
}

// runRow is the flat export form of an ingestion run.
type runRow struct {
	ID         string `json:"id" csv:"id"`
	Status     string `json:"status" csv:"status"`
	StartedAt  string `json:"started_at" csv:"started_at"`
	FinishedAt string `json:"finished_at" csv:"finished_at"`
	Stocks     int    `json:"stocks" csv:"stocks"`
	Candles    int    `json:"candles" csv:"candles"`
	Dividends  int    `json:"dividends" csv:"dividends"`
	Failures   int    `json:"failures" csv:"failures"`
	Error      string `json:"error,omitempty" csv:"error"`
}

func newRunsCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent ingestion runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			runs, err := repo.ListRuns(ctx, limit)
			if err != nil {
				return err
			}

			rows := make([]runRow, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, runRow{
					ID:         r.ID,
					Status:     string(r.Status),
					StartedAt:  utils.FormatDateTime(r.StartedAt),
					FinishedAt: utils.FormatDateTime(r.FinishedAt),
					Stocks:     r.Stocks,
					Candles:    r.Candles,
					Dividends:  r.Dividends,
					Failures:   r.Failures,
					Error:      r.Error,
				})
			}

			output := NewOutput(cmd)
			switch {
			case output.IsJSON():
				return output.JSON(rows)
			case output.IsCSV():
				return output.CSV(&rows)
			}

			if len(rows) == 0 {
				output.Dim("No ingestion runs recorded.")
				return nil
			}

			table := NewTable(output, "Run", "Status", "Started", "Finished", "Stocks", "Candles", "Dividends", "Failures")
			table.SetRightAligned(4, 5, 6, 7)
			for i, r := range rows {
				table.AddRow(r.ID, statusText(output, runs[i].Status), r.StartedAt, r.FinishedAt,
					utils.FormatCount(int64(r.Stocks)), utils.FormatCount(int64(r.Candles)),
					utils.FormatCount(int64(r.Dividends)), strconv.Itoa(r.Failures))
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	return cmd
}
