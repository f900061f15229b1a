package moex

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
	"moex-ingest/internal/moex/moextest"
	"moex-ingest/internal/resilience"
)

func newTestClient(t *testing.T, srv *moextest.Server) *Client {
	t.Helper()
	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 5 * time.Second
	return NewClient(cfg, zerolog.Nop())
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestListTickers(t *testing.T) {
	srv := moextest.NewServer()
	defer srv.Close()

	t.Run("maps rows by column name", func(t *testing.T) {
		gazp := moextest.SecurityRow("GAZP")
		gazp["LATNAME"] = nil
		gazp["PREVDATE"] = nil
		srv.SetSecurities(moextest.SecurityRow("sber"), gazp)

		stocks, err := newTestClient(t, srv).ListTickers(context.Background())
		require.NoError(t, err)
		require.Len(t, stocks, 2)

		sber := stocks[0]
		assert.Equal(t, "SBER", sber.Ticker)
		assert.Equal(t, "sber ao", sber.ShortName)
		assert.True(t, decimal.RequireFromString("250.5").Equal(sber.PrevPrice))
		assert.Equal(t, int64(10), sber.LotSize)
		assert.Equal(t, int64(21586948000), sber.IssueSize)
		assert.Equal(t, models.StatusOperationsAllowed, sber.Status)
		assert.Equal(t, models.SecTypeOrdinaryShare, sber.SecType)
		assert.Equal(t, models.ListLevelFirst, sber.ListLevel)
		assert.Equal(t, day(2024, 3, 5), sber.SettleDate)
		require.NotNil(t, sber.LatName)
		require.NotNil(t, sber.PrevDate)
		assert.Equal(t, day(2024, 3, 1), *sber.PrevDate)

		assert.Nil(t, stocks[1].LatName)
		assert.Nil(t, stocks[1].PrevDate)
	})

	t.Run("null prices default to zero", func(t *testing.T) {
		row := moextest.SecurityRow("SBER")
		row["PREVPRICE"] = nil
		row["DECIMALS"] = nil
		srv.SetSecurities(row)

		stocks, err := newTestClient(t, srv).ListTickers(context.Background())
		require.NoError(t, err)
		assert.True(t, stocks[0].PrevPrice.IsZero())
		assert.Equal(t, 0, stocks[0].Decimals)
	})

	t.Run("malformed row fails the listing", func(t *testing.T) {
		bad := moextest.SecurityRow("BAD")
		bad["LOTSIZE"] = "ten"
		srv.SetSecurities(moextest.SecurityRow("SBER"), bad)

		_, err := newTestClient(t, srv).ListTickers(context.Background())
		require.Error(t, err)

		var ve *apperrors.ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "BAD", ve.Ticker)
		assert.Equal(t, "LOTSIZE", ve.Field)
	})

	t.Run("missing settle date is a validation error", func(t *testing.T) {
		bad := moextest.SecurityRow("BAD")
		bad["SETTLEDATE"] = nil
		srv.SetSecurities(bad)

		_, err := newTestClient(t, srv).ListTickers(context.Background())
		assert.ErrorIs(t, err, apperrors.ErrValidation)
	})

	t.Run("server error is a retryable transport error", func(t *testing.T) {
		srv.SetSecurities(moextest.SecurityRow("SBER"))
		srv.FailNext(moextest.Securities, http.StatusBadGateway, 1)

		_, err := newTestClient(t, srv).ListTickers(context.Background())
		require.ErrorIs(t, err, apperrors.ErrTransport)
		assert.True(t, apperrors.IsRetryable(err))
	})

	t.Run("client error is not retryable", func(t *testing.T) {
		srv.FailNext(moextest.Securities, http.StatusForbidden, 1)

		_, err := newTestClient(t, srv).ListTickers(context.Background())
		require.ErrorIs(t, err, apperrors.ErrTransport)
		assert.False(t, apperrors.IsRetryable(err))
	})
}

func TestDecodeTable(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"securities":`},
		{"missing block", `{"other":{"columns":["a"],"data":[]}}`},
		{"null block", `{"securities":null}`},
		{"no columns", `{"securities":{"columns":[],"data":[]}}`},
		{"short row", `{"securities":{"columns":["a","b"],"data":[[1]]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeTable([]byte(tt.body), "securities")
			assert.Error(t, err)
		})
	}

	tbl, err := decodeTable([]byte(`{"securities":{"columns":["SECID","LOTSIZE"],"data":[["SBER",10]]}}`), "securities")
	require.NoError(t, err)
	r := tbl.rows()[0]
	ticker, ok := r.Str("secid")
	assert.True(t, ok)
	assert.Equal(t, "SBER", ticker)
	lot, ok, err := r.Int("LOTSIZE")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(10), lot)
	_, ok = r.Str("ISIN")
	assert.False(t, ok)
}

func TestGetAvailableDateRange(t *testing.T) {
	srv := moextest.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv)

	t.Run("returns a half-open range", func(t *testing.T) {
		srv.SetDates("SBER", "1997-03-24", "2024-03-01")

		r, err := client.GetAvailableDateRange(context.Background(), "sber")
		require.NoError(t, err)
		assert.Equal(t, day(1997, 3, 24), r.Begin)
		assert.Equal(t, day(2024, 3, 2), r.End)
	})

	t.Run("empty data is not found", func(t *testing.T) {
		_, err := client.GetAvailableDateRange(context.Background(), "NONE")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("404 is not found", func(t *testing.T) {
		srv.FailNext(moextest.Dates, http.StatusNotFound, 1)
		_, err := client.GetAvailableDateRange(context.Background(), "SBER")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestGetCandlePage(t *testing.T) {
	srv := moextest.NewServer()
	defer srv.Close()
	srv.SetPageSize(3)
	client := newTestClient(t, srv)

	first := day(2021, 1, 1)
	for i := 0; i < 10; i++ {
		srv.AddCandles("SBER", moextest.DailyCandle(first.AddDate(0, 0, i), float64(100+i)))
	}

	t.Run("follows pages within the window", func(t *testing.T) {
		window := models.Window{Begin: day(2021, 1, 2), End: day(2021, 1, 9)}

		candles, err := client.GetCandlePage(context.Background(), "SBER", window)
		require.NoError(t, err)
		require.Len(t, candles, 7)

		assert.Equal(t, day(2021, 1, 2), models.Date(candles[0].Range.Begin))
		assert.Equal(t, day(2021, 1, 8), models.Date(candles[6].Range.Begin))
		for i := 1; i < len(candles); i++ {
			assert.True(t, candles[i-1].Range.Begin.Before(candles[i].Range.Begin))
		}
		assert.Equal(t, 24*time.Hour, candles[0].Range.Duration())
		assert.True(t, decimal.NewFromInt(101).Equal(candles[0].Open))
		assert.GreaterOrEqual(t, srv.Requests(moextest.Candles), 3)
	})

	t.Run("short pages do not end the window", func(t *testing.T) {
		srv.SetPageSize(4)
		defer srv.SetPageSize(3)

		before := srv.Requests(moextest.Candles)
		candles, err := client.GetCandlePage(context.Background(), "SBER",
			models.Window{Begin: first, End: day(2021, 2, 1)})
		require.NoError(t, err)
		require.Len(t, candles, 10)
		assert.Equal(t, day(2021, 1, 10), models.Date(candles[9].Range.Begin))
		// 4 + 4 + 2 rows, then an empty page.
		assert.Equal(t, 4, srv.Requests(moextest.Candles)-before)
	})

	t.Run("cursor stops paging without an empty page", func(t *testing.T) {
		srv.SetCursor(true)
		defer srv.SetCursor(false)

		before := srv.Requests(moextest.Candles)
		candles, err := client.GetCandlePage(context.Background(), "SBER",
			models.Window{Begin: first, End: day(2021, 2, 1)})
		require.NoError(t, err)
		require.Len(t, candles, 10)
		assert.Equal(t, 4, srv.Requests(moextest.Candles)-before)
	})

	t.Run("empty window makes no request", func(t *testing.T) {
		before := srv.Requests(moextest.Candles)
		candles, err := client.GetCandlePage(context.Background(), "SBER", models.Window{Begin: first, End: first})
		require.NoError(t, err)
		assert.Empty(t, candles)
		assert.Equal(t, before, srv.Requests(moextest.Candles))
	})

	t.Run("cancelled context fails fast", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.GetCandlePage(ctx, "SBER", models.Window{Begin: first, End: day(2021, 2, 1)})
		require.Error(t, err)
		assert.False(t, apperrors.IsRetryable(err))
	})
}

func TestGetDividendHistory(t *testing.T) {
	srv := moextest.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv)

	srv.SetDividends("SBER",
		moextest.Dividend{Date: "2023-05-11", Value: 25, Currency: "RUB"},
		moextest.Dividend{Date: "2022-05-12", Value: 18.7, Currency: "RUB"},
	)

	rows, err := client.GetDividendHistory(context.Background(), "SBER")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, RawDividend{Ticker: "SBER", Date: "2023-05-11", Value: "25", Currency: "RUB"}, rows[0])

	rows, err = client.GetDividendHistory(context.Background(), "GAZP")
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
}

func TestObserver(t *testing.T) {
	srv := moextest.NewServer()
	defer srv.Close()
	client := newTestClient(t, srv)

	var ops []string
	client.SetObserver(func(op string, status int, _ time.Duration, _ error) {
		ops = append(ops, op)
		assert.Equal(t, http.StatusOK, status)
	})

	_, err := client.GetDividendHistory(context.Background(), "SBER")
	require.NoError(t, err)
	assert.Equal(t, []string{"dividends"}, ops)
}

func TestCircuitBreaker(t *testing.T) {
	srv := moextest.NewServer()
	defer srv.Close()
	srv.SetSecurities(moextest.SecurityRow("SBER"))

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Hour
	client := NewClient(cfg, zerolog.Nop())

	t.Run("client errors do not trip the circuit", func(t *testing.T) {
		srv.FailNext(moextest.Securities, http.StatusBadRequest, 3)
		for i := 0; i < 3; i++ {
			_, err := client.ListTickers(context.Background())
			require.Error(t, err)
		}
		assert.Equal(t, resilience.CircuitClosed, client.BreakerStats().State)
	})

	t.Run("consecutive server errors open the circuit", func(t *testing.T) {
		srv.FailNext(moextest.Securities, http.StatusServiceUnavailable, 2)
		for i := 0; i < 2; i++ {
			_, err := client.ListTickers(context.Background())
			require.Error(t, err)
		}
		assert.Equal(t, resilience.CircuitOpen, client.BreakerStats().State)

		before := srv.Requests(moextest.Securities)
		_, err := client.ListTickers(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
		assert.True(t, apperrors.IsRetryable(err))
		assert.Equal(t, before, srv.Requests(moextest.Securities), "open circuit must not reach the server")
	})
}

func TestGetCandlePage_RepeatedPageIsRejected(t *testing.T) {
	// A server that ignores start= would otherwise be paged forever.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candles":{"columns":["open","close","high","low","value","volume","begin","end"],`+
			`"data":[[1,1,1,1,1,1,"2021-01-04 00:00:00","2021-01-04 23:59:59"]]}}`)
	}))
	defer srv.Close()

	cfg := DefaultClientConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestsPerSecond = 0
	client := NewClient(cfg, zerolog.Nop())

	_, err := client.GetCandlePage(context.Background(), "SBER",
		models.Window{Begin: day(2021, 1, 1), End: day(2021, 2, 1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrParse)
}
