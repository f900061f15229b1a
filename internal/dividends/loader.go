// Package dividends normalises dividend history reported by the exchange.
package dividends

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"moex-ingest/internal/logging"
	"moex-ingest/internal/models"
	"moex-ingest/internal/moex"
)

const dateLayout = "2006-01-02"

// Source returns raw dividend rows for a ticker.
type Source interface {
	GetDividendHistory(ctx context.Context, ticker string) ([]moex.RawDividend, error)
}

// Loader fetches and parses dividend events.
type Loader struct {
	source Source
	logger zerolog.Logger
}

// NewLoader creates a loader reading from source.
func NewLoader(source Source, logger zerolog.Logger) *Loader {
	return &Loader{
		source: source,
		logger: logging.WithStage(logger, "dividends"),
	}
}

// Load returns the parseable dividend events of ticker sorted by registry
// close date. Unparseable rows are logged and skipped. When a date repeats
// the first row wins.
func (l *Loader) Load(ctx context.Context, ticker string) ([]models.Dividend, error) {
	ticker = models.NormalizeTicker(ticker)
	raw, err := l.source.GetDividendHistory(ctx, ticker)
	if err != nil {
		return nil, err
	}
	return Parse(ticker, raw, logging.WithTicker(l.logger, ticker)), nil
}

// Parse converts raw rows, skipping the ones that do not parse.
func Parse(ticker string, raw []moex.RawDividend, logger zerolog.Logger) []models.Dividend {
	seen := make(map[time.Time]bool, len(raw))
	out := make([]models.Dividend, 0, len(raw))

	for _, r := range raw {
		date, err := time.ParseInLocation(dateLayout, strings.TrimSpace(r.Date), time.UTC)
		if err != nil {
			logger.Warn().Str("raw_date", r.Date).Err(err).Msg("Skipping dividend with unparseable date")
			continue
		}
		value, err := decimal.NewFromString(strings.TrimSpace(r.Value))
		if err != nil {
			logger.Warn().Str("raw_value", r.Value).Err(err).Msg("Skipping dividend with unparseable value")
			continue
		}
		if seen[date] {
			logger.Debug().Str("date", r.Date).Msg("Duplicate dividend date in payload")
			continue
		}
		seen[date] = true

		out = append(out, models.Dividend{
			Ticker:            ticker,
			RegistryCloseDate: date,
			Value:             value,
			Currency:          strings.TrimSpace(r.Currency),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RegistryCloseDate.Before(out[j].RegistryCloseDate)
	})
	return out
}
