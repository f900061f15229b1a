package moex

import (
	"context"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
)

// ListTickers fetches the traded securities of the configured board.
// A row that cannot be converted fails the whole call with a ValidationError.
func (c *Client) ListTickers(ctx context.Context) ([]models.Stock, error) {
	const op = "list_tickers"

	query := url.Values{}
	query.Set("iss.only", "securities")
	body, err := c.fetch(ctx, op, c.sharesPath()+".json", query)
	if err != nil {
		return nil, err
	}

	t, err := decodeTable(body, "securities")
	if err != nil {
		return nil, apperrors.NewParseError(op, "", err)
	}
	if !t.hasColumn("SECID") {
		return nil, apperrors.NewParseError(op, "", apperrors.New("securities block has no SECID column"))
	}

	stocks := make([]models.Stock, 0, len(t.Data))
	for _, r := range t.rows() {
		stock, err := stockFromRow(r)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, stock)
	}
	return stocks, nil
}

// stockDecoder converts one securities row, keeping the first failure.
type stockDecoder struct {
	r      row
	ticker string
	err    error
}

func (d *stockDecoder) fail(col string, value interface{}, msg string) {
	if d.err == nil {
		d.err = apperrors.NewValidationError(d.ticker, col, value, msg)
	}
}

func (d *stockDecoder) str(col string) string {
	s, _ := d.r.Str(col)
	return s
}

func (d *stockDecoder) optStr(col string) *string {
	s, ok := d.r.Str(col)
	if !ok {
		return nil
	}
	return &s
}

func (d *stockDecoder) decimal(col string, required bool) decimal.Decimal {
	v, ok, err := d.r.Decimal(col)
	switch {
	case err != nil:
		d.fail(col, d.str(col), "not a number")
	case !ok && required:
		d.fail(col, nil, "required")
	}
	return v
}

func (d *stockDecoder) integer(col string, required bool) int64 {
	v, ok, err := d.r.Int(col)
	switch {
	case err != nil:
		d.fail(col, d.str(col), "not an integer")
	case !ok && required:
		d.fail(col, nil, "required")
	}
	return v
}

func (d *stockDecoder) date(col string, required bool) *time.Time {
	v, ok, err := d.r.Date(col)
	switch {
	case err != nil:
		d.fail(col, d.str(col), "not a date")
		return nil
	case !ok:
		if required {
			d.fail(col, nil, "required")
		}
		return nil
	}
	return &v
}

func stockFromRow(r row) (models.Stock, error) {
	ticker, _ := r.Str("SECID")
	d := &stockDecoder{r: r, ticker: models.NormalizeTicker(ticker)}

	s := models.Stock{
		Ticker:              d.ticker,
		ShortName:           d.str("SHORTNAME"),
		SecName:             d.str("SECNAME"),
		LatName:             d.optStr("LATNAME"),
		PrevPrice:           d.decimal("PREVPRICE", false),
		LotSize:             d.integer("LOTSIZE", true),
		FaceValue:           d.decimal("FACEVALUE", true),
		FaceUnit:            d.str("FACEUNIT"),
		Status:              models.StockStatus(d.str("STATUS")),
		Decimals:            int(d.integer("DECIMALS", false)),
		MinStep:             d.decimal("MINSTEP", true),
		PrevDate:            d.date("PREVDATE", false),
		IssueSize:           d.integer("ISSUESIZE", true),
		ISIN:                d.str("ISIN"),
		RegNumber:           d.optStr("REGNUMBER"),
		PrevLegalClosePrice: d.decimal("PREVLEGALCLOSEPRICE", false),
		CurrencyID:          d.str("CURRENCYID"),
		SecType:             models.SecType(d.str("SECTYPE")),
		ListLevel:           models.ListLevel(d.integer("LISTLEVEL", false)),
	}
	if settle := d.date("SETTLEDATE", true); settle != nil {
		s.SettleDate = *settle
	}
	if d.err != nil {
		return models.Stock{}, d.err
	}

	s.ApplyDefaults()
	return s, nil
}
