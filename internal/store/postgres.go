package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
)

// PostgreSQL error codes mapped to ConflictError.
var pgConflictCodes = map[string]bool{
	"23505": true, // unique_violation
	"23503": true, // foreign_key_violation
	"23514": true, // check_violation
	"23502": true, // not_null_violation
}

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema when missing.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.NewStorageError("parse dsn", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, apperrors.NewStorageError("connect", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, apperrors.NewStorageError("init schema", err)
	}
	return store, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	// Progress rows from before marks were kept per interval are dropped.
	if _, err := s.pool.Exec(ctx, `
	DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'candle_progress')
			AND NOT EXISTS (SELECT 1 FROM information_schema.columns
				WHERE table_name = 'candle_progress' AND column_name = 'candle_interval') THEN
			DROP TABLE candle_progress;
		END IF;
	END $$;
	`); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS stocks (
		id BIGSERIAL PRIMARY KEY,
		ticker VARCHAR(10) NOT NULL UNIQUE,
		shortname VARCHAR(50) NOT NULL,
		secname VARCHAR(50) NOT NULL,
		latname VARCHAR(50),
		prevprice NUMERIC NOT NULL,
		lotsize BIGINT NOT NULL CHECK (lotsize >= 0),
		facevalue NUMERIC NOT NULL,
		faceunit VARCHAR(10) NOT NULL,
		status CHAR(1) NOT NULL DEFAULT 'A' CHECK (status IN ('A', 'S', 'N')),
		decimals INTEGER NOT NULL CHECK (decimals >= 0),
		minstep NUMERIC NOT NULL,
		prevdate DATE,
		issuesize BIGINT NOT NULL CHECK (issuesize >= 0),
		isin VARCHAR(20) NOT NULL,
		regnumber VARCHAR(50),
		prevlegalcloseprice NUMERIC NOT NULL,
		currencyid VARCHAR(10) NOT NULL,
		sectype CHAR(1) NOT NULL DEFAULT '1',
		listlevel SMALLINT NOT NULL DEFAULT 1 CHECK (listlevel IN (1, 2, 3)),
		settledate DATE NOT NULL,
		updated TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS candles (
		id BIGSERIAL PRIMARY KEY,
		stock_id BIGINT NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
		open NUMERIC NOT NULL,
		close NUMERIC NOT NULL,
		high NUMERIC NOT NULL,
		low NUMERIC NOT NULL,
		value NUMERIC NOT NULL,
		volume NUMERIC NOT NULL,
		time_range TSTZRANGE NOT NULL,
		UNIQUE (stock_id, time_range)
	);

	CREATE TABLE IF NOT EXISTS dividends (
		id BIGSERIAL PRIMARY KEY,
		stock_id BIGINT NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
		value NUMERIC NOT NULL,
		date DATE NOT NULL,
		currency VARCHAR(10) NOT NULL DEFAULT '',
		UNIQUE (stock_id, date)
	);

	CREATE TABLE IF NOT EXISTS candle_progress (
		stock_id BIGINT NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
		candle_interval SMALLINT NOT NULL,
		high_water TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (stock_id, candle_interval)
	);

	CREATE TABLE IF NOT EXISTS ingestion_runs (
		id UUID PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		stocks INTEGER NOT NULL DEFAULT 0,
		candles INTEGER NOT NULL DEFAULT 0,
		dividends INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON ingestion_runs(started_at);
	`)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func pgError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgConflictCodes[pgErr.Code] {
		return apperrors.NewConflictError(table, err)
	}
	return apperrors.NewStorageError(op, err)
}

// runTx runs fn in a transaction, committing when it returns nil.
func (s *PostgresStore) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return apperrors.NewStorageError("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewStorageError("commit", err)
	}
	return nil
}

// UpsertStocks validates the whole batch, then inserts or refreshes every
// stock keyed by ticker in one transaction.
func (s *PostgresStore) UpsertStocks(ctx context.Context, stocks []models.Stock) (int, error) {
	valid, err := validateStocks(stocks)
	if err != nil {
		return 0, err
	}
	if len(valid) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, st := range valid {
		st.Updated = now
		batch.Queue(`
			INSERT INTO stocks (ticker, shortname, secname, latname, prevprice, lotsize, facevalue, faceunit,
				status, decimals, minstep, prevdate, issuesize, isin, regnumber, prevlegalcloseprice,
				currencyid, sectype, listlevel, settledate, updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (ticker) DO UPDATE SET
				shortname = EXCLUDED.shortname,
				secname = EXCLUDED.secname,
				latname = EXCLUDED.latname,
				prevprice = EXCLUDED.prevprice,
				lotsize = EXCLUDED.lotsize,
				facevalue = EXCLUDED.facevalue,
				faceunit = EXCLUDED.faceunit,
				status = EXCLUDED.status,
				decimals = EXCLUDED.decimals,
				minstep = EXCLUDED.minstep,
				prevdate = EXCLUDED.prevdate,
				issuesize = EXCLUDED.issuesize,
				isin = EXCLUDED.isin,
				regnumber = EXCLUDED.regnumber,
				prevlegalcloseprice = EXCLUDED.prevlegalcloseprice,
				currencyid = EXCLUDED.currencyid,
				sectype = EXCLUDED.sectype,
				listlevel = EXCLUDED.listlevel,
				settledate = EXCLUDED.settledate,
				updated = EXCLUDED.updated
		`, stockArgs(st)...)
	}

	err = s.runTx(ctx, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for _, st := range valid {
			if _, err := br.Exec(); err != nil {
				return pgError("upsert stock "+st.Ticker, "stocks", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return len(valid), nil
}

// ListStocks returns every stock ordered by ticker.
func (s *PostgresStore) ListStocks(ctx context.Context) ([]models.Stock, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stockColumns+` FROM stocks ORDER BY ticker`)
	if err != nil {
		return nil, pgError("list stocks", "stocks", err)
	}
	defer rows.Close()

	var stocks []models.Stock
	for rows.Next() {
		st, err := scanStock(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("scan stock", err)
		}
		stocks = append(stocks, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("list stocks", err)
	}
	return stocks, nil
}

// GetStock returns the stock with the given ticker.
func (s *PostgresStore) GetStock(ctx context.Context, ticker string) (models.Stock, error) {
	ticker = models.NormalizeTicker(ticker)
	st, err := scanStock(s.pool.QueryRow(ctx, `SELECT `+stockColumns+` FROM stocks WHERE ticker = $1`, ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Stock{}, apperrors.NewNotFoundError("stock", ticker)
	}
	if err != nil {
		return models.Stock{}, apperrors.NewStorageError("get stock", err)
	}
	return st, nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *PostgresStore) stockID(ctx context.Context, q pgQuerier, stock models.Stock) (int64, error) {
	if stock.ID != 0 {
		return stock.ID, nil
	}
	ticker := models.NormalizeTicker(stock.Ticker)
	var id int64
	err := q.QueryRow(ctx, `SELECT id FROM stocks WHERE ticker = $1`, ticker).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperrors.NewNotFoundError("stock", ticker)
	}
	if err != nil {
		return 0, apperrors.NewStorageError("resolve stock", err)
	}
	return id, nil
}

// InsertCandles stores candles of stock in one transaction, skipping ranges
// already present.
func (s *PostgresStore) InsertCandles(ctx context.Context, stock models.Stock, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		id, err := s.stockID(ctx, tx, stock)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, c := range candles {
			batch.Queue(`
				INSERT INTO candles (stock_id, open, close, high, low, value, volume, time_range)
				VALUES ($1, $2, $3, $4, $5, $6, $7, tstzrange($8, $9, '[)'))
				ON CONFLICT (stock_id, time_range) DO NOTHING
			`, id, c.Open, c.Close, c.High, c.Low, c.Value, c.Volume, c.Range.Begin.UTC(), c.Range.End.UTC())
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range candles {
			tag, err := br.Exec()
			if err != nil {
				return pgError("insert candle", "candles", err)
			}
			inserted += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// GetCandleHighWaterMark returns the end of the last persisted window.
func (s *PostgresStore) GetCandleHighWaterMark(ctx context.Context, stock models.Stock, interval int) (time.Time, error) {
	id, err := s.stockID(ctx, s.pool, stock)
	if err != nil {
		return time.Time{}, err
	}

	var mark time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT high_water FROM candle_progress WHERE stock_id = $1 AND candle_interval = $2
	`, id, interval).Scan(&mark)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperrors.NewStorageError("get high-water mark", err)
	}
	return mark.UTC(), nil
}

// SetCandleHighWaterMark records mark for stock and interval. The mark never moves back.
func (s *PostgresStore) SetCandleHighWaterMark(ctx context.Context, stock models.Stock, interval int, mark time.Time) error {
	id, err := s.stockID(ctx, s.pool, stock)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO candle_progress (stock_id, candle_interval, high_water, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (stock_id, candle_interval) DO UPDATE SET
			high_water = GREATEST(candle_progress.high_water, EXCLUDED.high_water),
			updated_at = EXCLUDED.updated_at
	`, id, interval, mark.UTC())
	return pgError("set high-water mark", "candle_progress", err)
}

// CountCandles returns the number of stored candles of ticker.
func (s *PostgresStore) CountCandles(ctx context.Context, ticker string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM candles c JOIN stocks s ON s.id = c.stock_id WHERE s.ticker = $1
	`, models.NormalizeTicker(ticker)).Scan(&n)
	if err != nil {
		return 0, apperrors.NewStorageError("count candles", err)
	}
	return n, nil
}

// InsertDividendIfAbsent stores a dividend unless one already exists for the
// same stock and registry close date.
func (s *PostgresStore) InsertDividendIfAbsent(ctx context.Context, stock models.Stock, date time.Time, value decimal.Decimal, currency string) (bool, error) {
	written := false
	err := s.runTx(ctx, func(tx pgx.Tx) error {
		id, err := s.stockID(ctx, tx, stock)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO dividends (stock_id, value, date, currency) VALUES ($1, $2, $3, $4)
			ON CONFLICT (stock_id, date) DO NOTHING
		`, id, value, models.Date(date), currency)
		if err != nil {
			return pgError("insert dividend", "dividends", err)
		}
		written = tag.RowsAffected() == 1
		return nil
	})
	return written, err
}

// CountDividends returns the number of stored dividends of ticker.
func (s *PostgresStore) CountDividends(ctx context.Context, ticker string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM dividends d JOIN stocks s ON s.id = d.stock_id WHERE s.ticker = $1
	`, models.NormalizeTicker(ticker)).Scan(&n)
	if err != nil {
		return 0, apperrors.NewStorageError("count dividends", err)
	}
	return n, nil
}

// SaveRun inserts or replaces the summary of an ingestion run.
func (s *PostgresStore) SaveRun(ctx context.Context, run *models.IngestionRun) error {
	if run == nil || run.ID == "" {
		return apperrors.NewValidationError("", "run_id", "", "required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingestion_runs (id, started_at, finished_at, status, stocks, candles, dividends, failures, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			stocks = EXCLUDED.stocks,
			candles = EXCLUDED.candles,
			dividends = EXCLUDED.dividends,
			failures = EXCLUDED.failures,
			error = EXCLUDED.error
	`, run.ID, run.StartedAt.UTC(), nullableTime(run.FinishedAt), string(run.Status), run.Stocks, run.Candles,
		run.Dividends, run.Failures, run.Error)
	return pgError("save run", "ingestion_runs", err)
}

// ListRuns returns the most recent runs first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, started_at, finished_at, status, stocks, candles, dividends, failures, error
		FROM ingestion_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, apperrors.NewStorageError("list runs", err)
	}
	defer rows.Close()

	var runs []models.IngestionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, apperrors.NewStorageError("scan run", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStorageError("list runs", err)
	}
	return runs, nil
}
