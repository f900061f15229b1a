package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
)

// repositories returns every backend available in this environment.
func repositories(t *testing.T) map[string]func(t *testing.T) Repository {
	backends := map[string]func(t *testing.T) Repository{
		DriverSQLite: func(t *testing.T) Repository { return newTestSQLite(t) },
	}
	if dsn := os.Getenv("MOEX_TEST_PG_DSN"); dsn != "" {
		backends[DriverPostgres] = func(t *testing.T) Repository {
			s, err := NewPostgresStore(context.Background(), dsn, 4)
			require.NoError(t, err)
			_, err = s.pool.Exec(context.Background(),
				`TRUNCATE stocks, candles, dividends, candle_progress, ingestion_runs RESTART IDENTITY CASCADE`)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return backends
}

func TestUpsertStocks(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)

			t.Run("insert then update keeps one row", func(t *testing.T) {
				n, err := repo.UpsertStocks(ctx, []models.Stock{sampleStock("sber")})
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				first, err := repo.GetStock(ctx, "SBER")
				require.NoError(t, err)
				assert.Equal(t, "SBER", first.Ticker)
				assert.True(t, decimal.RequireFromString("250.5").Equal(first.PrevPrice))

				changed := sampleStock("SBER")
				changed.PrevPrice = decimal.RequireFromString("260")
				changed.LatName = nil
				n, err = repo.UpsertStocks(ctx, []models.Stock{changed})
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				stocks, err := repo.ListStocks(ctx)
				require.NoError(t, err)
				require.Len(t, stocks, 1)
				got := stocks[0]
				assert.Equal(t, first.ID, got.ID)
				assert.True(t, decimal.NewFromInt(260).Equal(got.PrevPrice))
				assert.Nil(t, got.LatName)
				assert.False(t, got.Updated.Before(first.Updated))
			})

			t.Run("re-running the same batch changes only updated", func(t *testing.T) {
				batch := []models.Stock{sampleStock("GAZP"), sampleStock("LKOH")}
				_, err := repo.UpsertStocks(ctx, batch)
				require.NoError(t, err)
				before, err := repo.GetStock(ctx, "GAZP")
				require.NoError(t, err)

				_, err = repo.UpsertStocks(ctx, batch)
				require.NoError(t, err)
				after, err := repo.GetStock(ctx, "GAZP")
				require.NoError(t, err)

				before.Updated, after.Updated = time.Time{}, time.Time{}
				assert.Equal(t, before.ID, after.ID)
				assert.Equal(t, before.Ticker, after.Ticker)
				assert.True(t, before.PrevPrice.Equal(after.PrevPrice))
				assert.Equal(t, before.SettleDate, after.SettleDate)
				assert.Equal(t, *before.PrevDate, *after.PrevDate)
			})

			t.Run("one invalid record aborts the batch", func(t *testing.T) {
				bad := sampleStock("TOOLONGTICKER")
				_, err := repo.UpsertStocks(ctx, []models.Stock{sampleStock("MGNT"), bad})
				require.ErrorIs(t, err, apperrors.ErrValidation)

				_, err = repo.GetStock(ctx, "MGNT")
				assert.ErrorIs(t, err, apperrors.ErrNotFound)
			})

			t.Run("unknown enum is rejected", func(t *testing.T) {
				bad := sampleStock("ROSN")
				bad.Status = "X"
				_, err := repo.UpsertStocks(ctx, []models.Stock{bad})
				var ve *apperrors.ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "status", ve.Field)
			})

			t.Run("missing stock is not found", func(t *testing.T) {
				_, err := repo.GetStock(ctx, "NOPE")
				assert.ErrorIs(t, err, apperrors.ErrNotFound)
			})
		})
	}
}

func TestInsertCandles(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)
			_, err := repo.UpsertStocks(ctx, []models.Stock{sampleStock("SBER")})
			require.NoError(t, err)
			stock, err := repo.GetStock(ctx, "SBER")
			require.NoError(t, err)

			candles := dailyCandles(time.Date(2021, 1, 4, 0, 0, 0, 0, time.UTC), 5)
			n, err := repo.InsertCandles(ctx, stock, candles)
			require.NoError(t, err)
			assert.Equal(t, 5, n)

			n, err = repo.InsertCandles(ctx, stock, candles)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = repo.InsertCandles(ctx, models.Stock{Ticker: "sber"}, dailyCandles(time.Date(2021, 1, 8, 0, 0, 0, 0, time.UTC), 3))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			count, err := repo.CountCandles(ctx, "SBER")
			require.NoError(t, err)
			assert.Equal(t, 7, count)

			_, err = repo.InsertCandles(ctx, models.Stock{Ticker: "NOPE"}, candles)
			assert.ErrorIs(t, err, apperrors.ErrNotFound)

			_, err = repo.InsertCandles(ctx, models.Stock{ID: 9999, Ticker: "NOPE"}, candles)
			assert.ErrorIs(t, err, apperrors.ErrConflict)
		})
	}
}

func TestCandleHighWaterMark(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)
			_, err := repo.UpsertStocks(ctx, []models.Stock{sampleStock("SBER")})
			require.NoError(t, err)
			stock, err := repo.GetStock(ctx, "SBER")
			require.NoError(t, err)

			mark, err := repo.GetCandleHighWaterMark(ctx, stock, 24)
			require.NoError(t, err)
			assert.True(t, mark.IsZero())

			later := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, repo.SetCandleHighWaterMark(ctx, stock, 24, later))
			require.NoError(t, repo.SetCandleHighWaterMark(ctx, stock, 24, later.AddDate(-1, 0, 0)))

			mark, err = repo.GetCandleHighWaterMark(ctx, stock, 24)
			require.NoError(t, err)
			assert.True(t, later.Equal(mark), "mark moved back to %s", mark)

			t.Run("marks are per interval", func(t *testing.T) {
				hourly, err := repo.GetCandleHighWaterMark(ctx, stock, 60)
				require.NoError(t, err)
				assert.True(t, hourly.IsZero())

				early := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
				require.NoError(t, repo.SetCandleHighWaterMark(ctx, stock, 60, early))

				hourly, err = repo.GetCandleHighWaterMark(ctx, stock, 60)
				require.NoError(t, err)
				assert.True(t, early.Equal(hourly))

				daily, err := repo.GetCandleHighWaterMark(ctx, stock, 24)
				require.NoError(t, err)
				assert.True(t, later.Equal(daily))
			})
		})
	}
}

func TestInsertDividendIfAbsent(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)
			_, err := repo.UpsertStocks(ctx, []models.Stock{sampleStock("SBER")})
			require.NoError(t, err)
			stock, err := repo.GetStock(ctx, "SBER")
			require.NoError(t, err)

			date := time.Date(2023, 5, 11, 0, 0, 0, 0, time.UTC)
			written, err := repo.InsertDividendIfAbsent(ctx, stock, date, decimal.NewFromInt(25), "RUB")
			require.NoError(t, err)
			assert.True(t, written)

			written, err = repo.InsertDividendIfAbsent(ctx, stock, date, decimal.NewFromInt(30), "RUB")
			require.NoError(t, err)
			assert.False(t, written)

			count, err := repo.CountDividends(ctx, "SBER")
			require.NoError(t, err)
			assert.Equal(t, 1, count)

			_, err = repo.InsertDividendIfAbsent(ctx, models.Stock{Ticker: "NOPE"}, date, decimal.NewFromInt(1), "RUB")
			assert.ErrorIs(t, err, apperrors.ErrNotFound)
		})
	}
}

func TestRuns(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)

			start := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
			older := &models.IngestionRun{
				ID: "7f1c1c4e-3a51-4a59-9b1a-3d2f5b0e1a01", StartedAt: start, Status: models.RunRunning,
			}
			newer := &models.IngestionRun{
				ID: "7f1c1c4e-3a51-4a59-9b1a-3d2f5b0e1a02", StartedAt: start.Add(24 * time.Hour),
				FinishedAt: start.Add(25 * time.Hour), Status: models.RunPartialFailure,
				Stocks: 250, Candles: 1000, Dividends: 12, Failures: 1,
			}
			require.NoError(t, repo.SaveRun(ctx, older))
			require.NoError(t, repo.SaveRun(ctx, newer))

			older.Status = models.RunDone
			older.FinishedAt = start.Add(time.Hour)
			require.NoError(t, repo.SaveRun(ctx, older))

			runs, err := repo.ListRuns(ctx, 10)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, newer.ID, runs[0].ID)
			assert.Equal(t, models.RunPartialFailure, runs[0].Status)
			assert.Equal(t, 1000, runs[0].Candles)
			assert.Equal(t, models.RunDone, runs[1].Status)
			assert.True(t, older.FinishedAt.Equal(runs[1].FinishedAt))

			assert.Error(t, repo.SaveRun(ctx, &models.IngestionRun{}))
		})
	}
}

func TestOpen(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql"})
	assert.ErrorIs(t, err, apperrors.ErrConfigInvalid)

	repo, err := Open(context.Background(), Config{Driver: DriverSQLite, Path: t.TempDir() + "/open.db"})
	require.NoError(t, err)
	assert.NoError(t, repo.Close())
}

func TestConcurrentWritersOnDifferentStocks(t *testing.T) {
	for name, open := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)

			const writers = 8
			stocks := make([]models.Stock, 0, 2*writers)
			for i := 0; i < 2*writers; i++ {
				stocks = append(stocks, sampleStock(fmt.Sprintf("T%02d", i)))
			}
			_, err := repo.UpsertStocks(ctx, stocks)
			require.NoError(t, err)

			first := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
			const perWriter = 60

			var wg sync.WaitGroup
			errs := make(chan error, 2*writers*perWriter)
			for i := 0; i < writers; i++ {
				dividendStock := stocks[i]
				candleStock := stocks[writers+i]

				wg.Add(2)
				go func() {
					defer wg.Done()
					for d := 0; d < perWriter; d++ {
						if _, err := repo.InsertDividendIfAbsent(ctx, dividendStock, first.AddDate(0, 0, d),
							decimal.NewFromInt(int64(d+1)), "RUB"); err != nil {
							errs <- err
						}
					}
				}()
				go func() {
					defer wg.Done()
					for d := 0; d < perWriter; d++ {
						batch := dailyCandles(first.AddDate(0, 0, d), 1)
						if _, err := repo.InsertCandles(ctx, candleStock, batch); err != nil {
							errs <- err
						}
					}
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Errorf("concurrent write failed: %v", err)
			}
			for i := 0; i < writers; i++ {
				n, err := repo.CountDividends(ctx, stocks[i].Ticker)
				require.NoError(t, err)
				assert.Equal(t, perWriter, n)

				n, err = repo.CountCandles(ctx, stocks[writers+i].Ticker)
				require.NoError(t, err)
				assert.Equal(t, perWriter, n)
			}
		})
	}
}
