package moex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
)

// GetAvailableDateRange returns the half-open span of trading history the
// exchange holds for ticker.
func (c *Client) GetAvailableDateRange(ctx context.Context, ticker string) (models.DateRange, error) {
	const op = "date_range"
	ticker = models.NormalizeTicker(ticker)

	body, err := c.fetch(ctx, op, c.historyPath()+"/"+url.PathEscape(ticker)+"/dates.json", nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return models.DateRange{}, apperrors.NewNotFoundError("date range", ticker)
		}
		return models.DateRange{}, err
	}

	t, err := decodeTable(body, "dates")
	if err != nil {
		return models.DateRange{}, apperrors.NewParseError(op, ticker, err)
	}
	if len(t.Data) == 0 {
		return models.DateRange{}, apperrors.NewNotFoundError("date range", ticker)
	}

	r := t.rows()[0]
	from, okFrom, errFrom := r.Date("from")
	till, okTill, errTill := r.Date("till")
	switch {
	case errFrom != nil:
		return models.DateRange{}, apperrors.NewParseError(op, ticker, errFrom)
	case errTill != nil:
		return models.DateRange{}, apperrors.NewParseError(op, ticker, errTill)
	case !okFrom || !okTill:
		return models.DateRange{}, apperrors.NewNotFoundError("date range", ticker)
	case till.Before(from):
		return models.DateRange{}, apperrors.NewParseError(op, ticker,
			apperrors.New("till "+till.Format(issDateLayout)+" precedes from "+from.Format(issDateLayout)))
	}

	return models.DateRange{Begin: from, End: till.AddDate(0, 0, 1)}, nil
}

// GetCandlePage returns every candle of ticker whose bar starts inside window,
// following ISS pagination until a short page arrives.
func (c *Client) GetCandlePage(ctx context.Context, ticker string, window models.Window) ([]models.Candle, error) {
	const op = "candles"
	ticker = models.NormalizeTicker(ticker)
	if window.Empty() {
		return nil, nil
	}

	path := c.sharesPath() + "/" + url.PathEscape(ticker) + "/candles.json"
	// till is inclusive on the exchange side.
	till := models.Date(window.End).AddDate(0, 0, -1)

	var (
		candles []models.Candle
		last    time.Time
	)
	// Page size is whatever the exchange returns; follow start= until an empty
	// page or until the cursor, when present, says the table is exhausted.
	for start := 0; ; {
		query := url.Values{}
		query.Set("from", window.Begin.Format(issDateLayout))
		query.Set("till", till.Format(issDateLayout))
		query.Set("interval", strconv.Itoa(c.interval))
		query.Set("start", strconv.Itoa(start))

		body, err := c.fetch(ctx, op, path, query)
		if err != nil {
			return nil, err
		}
		t, err := decodeTable(body, "candles")
		if err != nil {
			return nil, apperrors.NewParseError(op, ticker, err)
		}
		cur, hasCursor, err := decodeCursor(body, "candles")
		if err != nil {
			return nil, apperrors.NewParseError(op, ticker, err)
		}
		if len(t.Data) == 0 {
			break
		}

		for i, r := range t.rows() {
			candle, err := candleFromRow(r)
			if err != nil {
				return nil, apperrors.NewParseError(op, ticker, err)
			}
			if i == 0 && start > 0 && !candle.Range.Begin.After(last) {
				return nil, apperrors.NewParseError(op, ticker,
					fmt.Errorf("page at start=%d does not advance past %s", start, last.Format(issDateTimeLayout)))
			}
			if candle.Range.Begin.After(last) {
				last = candle.Range.Begin
			}
			// Windows are calendar dates; compare on the exchange trading date.
			if !window.Contains(models.Date(candle.Range.Begin)) {
				continue
			}
			candles = append(candles, candle)
		}

		start += len(t.Data)
		if hasCursor && cur.Done() {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Range.Begin.Before(candles[j].Range.Begin)
	})
	return candles, nil
}

func candleFromRow(r row) (models.Candle, error) {
	var c models.Candle
	var err error
	if c.Open, err = requiredDecimal(r, "open"); err != nil {
		return c, err
	}
	if c.Close, err = requiredDecimal(r, "close"); err != nil {
		return c, err
	}
	if c.High, err = requiredDecimal(r, "high"); err != nil {
		return c, err
	}
	if c.Low, err = requiredDecimal(r, "low"); err != nil {
		return c, err
	}
	if c.Value, err = requiredDecimal(r, "value"); err != nil {
		return c, err
	}
	if c.Volume, err = requiredDecimal(r, "volume"); err != nil {
		return c, err
	}

	begin, err := requiredTime(r, "begin")
	if err != nil {
		return c, err
	}
	end, err := requiredTime(r, "end")
	if err != nil {
		return c, err
	}
	// ISS reports the last second of the bar; store the exclusive bound.
	c.Range = models.TimeRange{Begin: begin, End: end.Add(time.Second)}
	if !c.Range.End.After(c.Range.Begin) {
		return c, apperrors.New("candle end " + end.String() + " is not after begin " + begin.String())
	}
	return c, nil
}
