package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimeRange is a half-open interval [Begin, End).
type TimeRange struct {
	Begin time.Time
	End   time.Time
}

// Empty reports whether the range contains no instant.
func (r TimeRange) Empty() bool {
	return !r.Begin.Before(r.End)
}

// Duration returns End - Begin.
func (r TimeRange) Duration() time.Duration {
	return r.End.Sub(r.Begin)
}

// Contains reports whether t lies within the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Begin) && t.Before(r.End)
}

// DateRange is the span of trading dates a provider holds for a ticker.
type DateRange = TimeRange

// Window is one bounded request span used when paging candle history.
type Window = TimeRange

// Candle represents OHLCV data for one bar of a stock.
type Candle struct {
	Open   decimal.Decimal
	Close  decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Value  decimal.Decimal
	Volume decimal.Decimal
	Range  TimeRange
}

// Dividend is a dividend payment event of a stock.
type Dividend struct {
	Ticker            string
	RegistryCloseDate time.Time
	Value             decimal.Decimal
	Currency          string
}

// Date truncates t to a UTC calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
