// Package pager splits long candle histories into bounded request windows and
// iterates over them one batch at a time.
package pager

import (
	"context"
	"sort"
	"time"

	"moex-ingest/internal/models"
)

// DefaultWindowSize is the longest span requested in one go.
const DefaultWindowSize = 365 * 24 * time.Hour

// Fetcher loads the candles of one window.
type Fetcher interface {
	GetCandlePage(ctx context.Context, ticker string, window models.Window) ([]models.Candle, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, ticker string, window models.Window) ([]models.Candle, error)

// GetCandlePage calls f.
func (f FetcherFunc) GetCandlePage(ctx context.Context, ticker string, window models.Window) ([]models.Candle, error) {
	return f(ctx, ticker, window)
}

// Windows splits r into consecutive half-open windows no longer than size.
// The windows are strictly increasing and cover r exactly.
func Windows(r models.DateRange, size time.Duration) []models.Window {
	if r.Empty() {
		return nil
	}
	if size <= 0 {
		size = DefaultWindowSize
	}

	windows := make([]models.Window, 0, int(r.Duration()/size)+1)
	for begin := r.Begin; begin.Before(r.End); {
		end := begin.Add(size)
		if end.After(r.End) {
			end = r.End
		}
		windows = append(windows, models.Window{Begin: begin, End: end})
		begin = end
	}
	return windows
}

// Options tune a Pager.
type Options struct {
	// WindowSize defaults to DefaultWindowSize.
	WindowSize time.Duration
	// From is a high-water mark; windows start no earlier than it.
	From time.Time
}

// Batch is the result of one window.
type Batch struct {
	Window  models.Window
	Candles []models.Candle
}

// Pager walks a ticker's history window by window. It is not safe for
// concurrent use.
type Pager struct {
	fetcher Fetcher
	ticker  string
	windows []models.Window
	next    int

	batch Batch
	err   error
	done  bool
}

// New creates a pager over r for ticker.
func New(fetcher Fetcher, ticker string, r models.DateRange, opts Options) *Pager {
	if !opts.From.IsZero() && opts.From.After(r.Begin) {
		r.Begin = opts.From
	}
	return &Pager{
		fetcher: fetcher,
		ticker:  ticker,
		windows: Windows(r, opts.WindowSize),
	}
}

// Remaining returns the number of windows not yet fetched.
func (p *Pager) Remaining() int {
	if p.done {
		return 0
	}
	return len(p.windows) - p.next
}

// Next fetches the next window. It returns false when the history is
// exhausted, a fetch failed or ctx was cancelled; Err tells which.
func (p *Pager) Next(ctx context.Context) bool {
	if p.done || p.next >= len(p.windows) {
		p.done = true
		return false
	}
	if err := ctx.Err(); err != nil {
		p.fail(err)
		return false
	}

	window := p.windows[p.next]
	candles, err := p.fetcher.GetCandlePage(ctx, p.ticker, window)
	if err != nil {
		p.fail(err)
		return false
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Range.Begin.Before(candles[j].Range.Begin)
	})
	p.batch = Batch{Window: window, Candles: candles}
	p.next++
	return true
}

func (p *Pager) fail(err error) {
	p.err = err
	p.done = true
	p.batch = Batch{}
}

// Batch returns the batch fetched by the last successful Next.
func (p *Pager) Batch() Batch {
	return p.batch
}

// Err returns the error that ended iteration, if any.
func (p *Pager) Err() error {
	return p.err
}
