package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"moex-ingest/internal/models"
)

// Property: upserting the same batch twice leaves every stored field but
// updated unchanged and never duplicates a ticker.
func TestProperty_StockUpsertIdempotence(t *testing.T) {
	store := newTestSQLite(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("upsert twice equals upsert once", prop.ForAll(
		func(n int, price float64, lot int64) bool {
			ctx := context.Background()
			batch := make([]models.Stock, n)
			for i := range batch {
				s := sampleStock(fmt.Sprintf("T%d", i))
				s.PrevPrice = decimal.NewFromFloat(price).Round(4)
				s.LotSize = lot
				batch[i] = s
			}

			if _, err := store.UpsertStocks(ctx, batch); err != nil {
				t.Logf("first upsert: %v", err)
				return false
			}
			first, err := store.ListStocks(ctx)
			if err != nil {
				return false
			}
			if _, err := store.UpsertStocks(ctx, batch); err != nil {
				t.Logf("second upsert: %v", err)
				return false
			}
			second, err := store.ListStocks(ctx)
			if err != nil || len(first) != len(second) {
				return false
			}

			for i := range first {
				a, b := first[i], second[i]
				if a.ID != b.ID || a.Ticker != b.Ticker || a.LotSize != b.LotSize ||
					!a.PrevPrice.Equal(b.PrevPrice) || !a.SettleDate.Equal(b.SettleDate) {
					t.Logf("mismatch: %+v vs %+v", a, b)
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.Float64Range(0.01, 50000),
		gen.Int64Range(1, 1000),
	))

	properties.TestingRun(t)
}

// Property: inserting any candle set a second time writes nothing.
func TestProperty_CandleReinsertIsNoop(t *testing.T) {
	store := newTestSQLite(t)
	ctx := context.Background()
	if _, err := store.UpsertStocks(ctx, []models.Stock{sampleStock("SBER")}); err != nil {
		t.Fatalf("Failed to seed stock: %v", err)
	}
	stock, err := store.GetStock(ctx, "SBER")
	if err != nil {
		t.Fatalf("Failed to load stock: %v", err)
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("second insert of the same candles inserts zero rows", prop.ForAll(
		func(offset, count int) bool {
			from := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
			candles := dailyCandles(from, count)

			if _, err := store.InsertCandles(ctx, stock, candles); err != nil {
				return false
			}
			n, err := store.InsertCandles(ctx, stock, candles)
			return err == nil && n == 0
		},
		gen.IntRange(0, 3000),
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t)
}
