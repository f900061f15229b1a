// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
)

// Repository defines the persistence operations of the ingestion pipeline.
type Repository interface {
	// Stocks
	UpsertStocks(ctx context.Context, stocks []models.Stock) (int, error)
	ListStocks(ctx context.Context) ([]models.Stock, error)
	GetStock(ctx context.Context, ticker string) (models.Stock, error)

	// Candles
	InsertCandles(ctx context.Context, stock models.Stock, candles []models.Candle) (int, error)
	// High-water marks are kept per candle interval.
	GetCandleHighWaterMark(ctx context.Context, stock models.Stock, interval int) (time.Time, error)
	SetCandleHighWaterMark(ctx context.Context, stock models.Stock, interval int, mark time.Time) error
	CountCandles(ctx context.Context, ticker string) (int, error)

	// Dividends
	InsertDividendIfAbsent(ctx context.Context, stock models.Stock, date time.Time, value decimal.Decimal, currency string) (bool, error)
	CountDividends(ctx context.Context, ticker string) (int, error)

	// Runs
	SaveRun(ctx context.Context, run *models.IngestionRun) error
	ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error)

	// Lifecycle
	Close() error
}

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a Repository implementation.
type Config struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"max_conns"`
}

// Open returns the Repository selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return NewSQLiteStore(cfg.Path, cfg.MaxConns)
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown store driver %q: %w", cfg.Driver, apperrors.ErrConfigInvalid)
	}
}

// validateStocks checks every record before anything is written.
func validateStocks(stocks []models.Stock) ([]models.Stock, error) {
	out := make([]models.Stock, len(stocks))
	seen := make(map[string]bool, len(stocks))
	for i, s := range stocks {
		s.ApplyDefaults()
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Ticker] {
			return nil, apperrors.NewValidationError(s.Ticker, "ticker", s.Ticker, "duplicate ticker in batch")
		}
		seen[s.Ticker] = true
		out[i] = s
	}
	return out, nil
}

func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	d := models.Date(*t)
	return &d
}
