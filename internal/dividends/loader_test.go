package dividends

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moex-ingest/internal/moex"
)

type stubSource struct {
	rows []moex.RawDividend
	err  error
}

func (s stubSource) GetDividendHistory(context.Context, string) ([]moex.RawDividend, error) {
	return s.rows, s.err
}

func TestLoad(t *testing.T) {
	t.Run("parses sorts and dedups", func(t *testing.T) {
		src := stubSource{rows: []moex.RawDividend{
			{Date: "2023-05-11", Value: "25", Currency: "RUB"},
			{Date: "2022-05-12", Value: "18.7", Currency: "RUB"},
			{Date: "not-a-date", Value: "1", Currency: "RUB"},
			{Date: "2021-05-11", Value: "", Currency: "RUB"},
			{Date: "2023-05-11", Value: "99", Currency: "RUB"},
		}}

		divs, err := NewLoader(src, zerolog.Nop()).Load(context.Background(), "sber")
		require.NoError(t, err)
		require.Len(t, divs, 2)

		assert.Equal(t, time.Date(2022, 5, 12, 0, 0, 0, 0, time.UTC), divs[0].RegistryCloseDate)
		assert.True(t, decimal.RequireFromString("18.7").Equal(divs[0].Value))
		assert.Equal(t, "SBER", divs[0].Ticker)

		assert.Equal(t, time.Date(2023, 5, 11, 0, 0, 0, 0, time.UTC), divs[1].RegistryCloseDate)
		assert.True(t, decimal.NewFromInt(25).Equal(divs[1].Value))
		assert.Equal(t, "RUB", divs[1].Currency)
	})

	t.Run("empty history", func(t *testing.T) {
		divs, err := NewLoader(stubSource{}, zerolog.Nop()).Load(context.Background(), "GAZP")
		require.NoError(t, err)
		assert.Empty(t, divs)
	})

	t.Run("source error is returned", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := NewLoader(stubSource{err: boom}, zerolog.Nop()).Load(context.Background(), "GAZP")
		assert.ErrorIs(t, err, boom)
	})
}
