package store

import (
	"database/sql"
	"time"

	"moex-ingest/internal/models"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const stockColumns = `id, ticker, shortname, secname, latname, prevprice, lotsize, facevalue, faceunit,
	status, decimals, minstep, prevdate, issuesize, isin, regnumber, prevlegalcloseprice,
	currencyid, sectype, listlevel, settledate, updated`

func scanStock(row rowScanner) (models.Stock, error) {
	var (
		s         models.Stock
		latName   sql.NullString
		regNumber sql.NullString
		prevDate  sql.NullTime
		status    string
		secType   string
		listLevel int
	)
	err := row.Scan(&s.ID, &s.Ticker, &s.ShortName, &s.SecName, &latName, &s.PrevPrice, &s.LotSize,
		&s.FaceValue, &s.FaceUnit, &status, &s.Decimals, &s.MinStep, &prevDate, &s.IssueSize, &s.ISIN,
		&regNumber, &s.PrevLegalClosePrice, &s.CurrencyID, &secType, &listLevel, &s.SettleDate, &s.Updated)
	if err != nil {
		return models.Stock{}, err
	}

	if latName.Valid {
		s.LatName = &latName.String
	}
	if regNumber.Valid {
		s.RegNumber = &regNumber.String
	}
	if prevDate.Valid {
		d := models.Date(prevDate.Time)
		s.PrevDate = &d
	}
	s.Status = models.StockStatus(status)
	s.SecType = models.SecType(secType)
	s.ListLevel = models.ListLevel(listLevel)
	s.SettleDate = models.Date(s.SettleDate)
	return s, nil
}

func scanRun(row rowScanner) (models.IngestionRun, error) {
	var (
		r        models.IngestionRun
		status   string
		finished sql.NullTime
		errText  sql.NullString
	)
	err := row.Scan(&r.ID, &r.StartedAt, &finished, &status, &r.Stocks, &r.Candles, &r.Dividends, &r.Failures, &errText)
	if err != nil {
		return models.IngestionRun{}, err
	}
	r.Status = models.RunStatus(status)
	if finished.Valid {
		r.FinishedAt = finished.Time
	}
	r.Error = errText.String
	return r, nil
}

func stockArgs(s models.Stock) []interface{} {
	return []interface{}{
		s.Ticker, s.ShortName, s.SecName, s.LatName, s.PrevPrice, s.LotSize, s.FaceValue, s.FaceUnit,
		string(s.Status), s.Decimals, s.MinStep, dateOnly(s.PrevDate), s.IssueSize, s.ISIN, s.RegNumber,
		s.PrevLegalClosePrice, s.CurrencyID, string(s.SecType), int(s.ListLevel), models.Date(s.SettleDate),
		s.Updated,
	}
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
