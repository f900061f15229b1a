package moex

import (
	"context"
	"net/http"
	"net/url"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
)

// RawDividend is one dividend row as the exchange reports it. Fields are kept
// as text; the dividends package decides what is parseable.
type RawDividend struct {
	Ticker   string
	Date     string
	Value    string
	Currency string
}

// GetDividendHistory returns the dividend rows of ticker. A ticker without
// dividends yields an empty slice.
func (c *Client) GetDividendHistory(ctx context.Context, ticker string) ([]RawDividend, error) {
	const op = "dividends"
	ticker = models.NormalizeTicker(ticker)

	body, err := c.fetch(ctx, op, "/iss/securities/"+url.PathEscape(ticker)+"/dividends.json", nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return []RawDividend{}, nil
		}
		return nil, err
	}

	t, err := decodeTable(body, "dividends")
	if err != nil {
		return nil, apperrors.NewParseError(op, ticker, err)
	}

	out := make([]RawDividend, 0, len(t.Data))
	for _, r := range t.rows() {
		secid, _ := r.Str("secid")
		date, _ := r.Str("registryclosedate")
		value, _ := r.Str("value")
		currency, _ := r.Str("currencyid")
		if secid == "" {
			secid = ticker
		}
		out = append(out, RawDividend{
			Ticker:   models.NormalizeTicker(secid),
			Date:     date,
			Value:    value,
			Currency: currency,
		})
	}
	return out, nil
}
