package pager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moex-ingest/internal/models"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestWindows(t *testing.T) {
	r := models.DateRange{Begin: date(2020, 1, 1), End: date(2022, 6, 1)}

	windows := Windows(r, DefaultWindowSize)
	require.Len(t, windows, 3)

	assert.Equal(t, date(2020, 1, 1), windows[0].Begin)
	assert.Equal(t, date(2020, 12, 31), windows[0].End)
	assert.Equal(t, date(2020, 12, 31), windows[1].Begin)
	assert.Equal(t, date(2021, 12, 31), windows[1].End)
	assert.Equal(t, date(2021, 12, 31), windows[2].Begin)
	assert.Equal(t, date(2022, 6, 1), windows[2].End)

	assert.Empty(t, Windows(models.DateRange{Begin: r.End, End: r.Begin}, DefaultWindowSize))
	assert.Empty(t, Windows(models.DateRange{Begin: r.Begin, End: r.Begin}, DefaultWindowSize))
	assert.Len(t, Windows(models.DateRange{Begin: r.Begin, End: r.Begin.Add(DefaultWindowSize)}, DefaultWindowSize), 1)
}

// Property: windows cover the range exactly, in order, each within the size bound.
func TestProperty_WindowsCoverRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("windows are contiguous and bounded", prop.ForAll(
		func(startDays, lengthDays, sizeDays int) bool {
			begin := date(2000, 1, 1).AddDate(0, 0, startDays)
			r := models.DateRange{Begin: begin, End: begin.AddDate(0, 0, lengthDays)}
			size := time.Duration(sizeDays) * 24 * time.Hour

			windows := Windows(r, size)
			if len(windows) == 0 {
				return false
			}
			if !windows[0].Begin.Equal(r.Begin) || !windows[len(windows)-1].End.Equal(r.End) {
				return false
			}
			for i, w := range windows {
				if w.Empty() || w.Duration() > size {
					return false
				}
				if i > 0 && !windows[i-1].End.Equal(w.Begin) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 9000),
		gen.IntRange(1, 5000),
		gen.IntRange(1, 400),
	))

	properties.TestingRun(t)
}

type recordingFetcher struct {
	calls  []models.Window
	failAt int
	err    error
}

func (f *recordingFetcher) GetCandlePage(_ context.Context, _ string, w models.Window) ([]models.Candle, error) {
	f.calls = append(f.calls, w)
	if f.err != nil && len(f.calls) == f.failAt {
		return nil, f.err
	}
	// Return out of order to check the pager sorts.
	return []models.Candle{
		{Range: models.TimeRange{Begin: w.Begin.Add(24 * time.Hour), End: w.Begin.Add(48 * time.Hour)}},
		{Range: models.TimeRange{Begin: w.Begin, End: w.Begin.Add(24 * time.Hour)}},
	}, nil
}

func TestPager(t *testing.T) {
	r := models.DateRange{Begin: date(2020, 1, 1), End: date(2022, 6, 1)}

	t.Run("yields every window in order", func(t *testing.T) {
		f := &recordingFetcher{}
		p := New(f, "SBER", r, Options{})
		assert.Equal(t, 3, p.Remaining())

		var got []Batch
		for p.Next(context.Background()) {
			got = append(got, p.Batch())
		}
		require.NoError(t, p.Err())
		require.Len(t, got, 3)
		assert.Equal(t, Windows(r, DefaultWindowSize), f.calls)
		for _, b := range got {
			assert.True(t, b.Candles[0].Range.Begin.Before(b.Candles[1].Range.Begin))
		}
		assert.False(t, p.Next(context.Background()))
		assert.Equal(t, 0, p.Remaining())
	})

	t.Run("error ends the sequence without a partial batch", func(t *testing.T) {
		boom := errors.New("boom")
		f := &recordingFetcher{failAt: 2, err: boom}
		p := New(f, "SBER", r, Options{})

		require.True(t, p.Next(context.Background()))
		first := p.Batch()
		assert.Len(t, first.Candles, 2)

		assert.False(t, p.Next(context.Background()))
		assert.ErrorIs(t, p.Err(), boom)
		assert.Empty(t, p.Batch().Candles)
		assert.False(t, p.Next(context.Background()))
		assert.Len(t, f.calls, 2)
		assert.Len(t, first.Candles, 2)
	})

	t.Run("cancelled context issues no request", func(t *testing.T) {
		f := &recordingFetcher{}
		p := New(f, "SBER", r, Options{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.False(t, p.Next(ctx))
		assert.ErrorIs(t, p.Err(), context.Canceled)
		assert.Empty(t, f.calls)
	})

	t.Run("resumes from the high-water mark", func(t *testing.T) {
		f := &recordingFetcher{}
		from := date(2021, 12, 31)
		p := New(f, "SBER", r, Options{From: from})
		assert.Equal(t, 1, p.Remaining())

		for p.Next(context.Background()) {
		}
		require.NoError(t, p.Err())
		require.Len(t, f.calls, 1)
		assert.Equal(t, from, f.calls[0].Begin)
	})

	t.Run("high-water mark past the range yields nothing", func(t *testing.T) {
		f := &recordingFetcher{}
		p := New(f, "SBER", r, Options{From: r.End})
		assert.False(t, p.Next(context.Background()))
		assert.NoError(t, p.Err())
		assert.Empty(t, f.calls)
	})

	t.Run("custom window size", func(t *testing.T) {
		p := New(FetcherFunc(func(context.Context, string, models.Window) ([]models.Candle, error) {
			return nil, nil
		}), "SBER", models.DateRange{Begin: date(2021, 1, 1), End: date(2021, 1, 31)}, Options{WindowSize: 7 * 24 * time.Hour})
		n := 0
		for p.Next(context.Background()) {
			assert.Empty(t, p.Batch().Candles)
			n++
		}
		assert.Equal(t, 5, n)
	})
}
