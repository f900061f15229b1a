package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/models"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, maxConns int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, apperrors.NewStorageError("open", err)
	}

	if maxConns <= 0 {
		maxConns = 10
	}
	// Configure connection pool for concurrent access
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.NewStorageError("init schema", err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS stocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker TEXT NOT NULL UNIQUE CHECK (length(ticker) BETWEEN 1 AND 10),
		shortname TEXT NOT NULL,
		secname TEXT NOT NULL,
		latname TEXT,
		prevprice TEXT NOT NULL,
		lotsize INTEGER NOT NULL CHECK (lotsize >= 0),
		facevalue TEXT NOT NULL,
		faceunit TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'A' CHECK (status IN ('A', 'S', 'N')),
		decimals INTEGER NOT NULL CHECK (decimals >= 0),
		minstep TEXT NOT NULL,
		prevdate DATE,
		issuesize INTEGER NOT NULL CHECK (issuesize >= 0),
		isin TEXT NOT NULL,
		regnumber TEXT,
		prevlegalcloseprice TEXT NOT NULL,
		currencyid TEXT NOT NULL,
		sectype TEXT NOT NULL DEFAULT '1',
		listlevel INTEGER NOT NULL DEFAULT 1 CHECK (listlevel IN (1, 2, 3)),
		settledate DATE NOT NULL,
		updated DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stock_id INTEGER NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
		open TEXT NOT NULL,
		close TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		value TEXT NOT NULL,
		volume TEXT NOT NULL,
		begin_at DATETIME NOT NULL,
		end_at DATETIME NOT NULL,
		CHECK (end_at > begin_at),
		UNIQUE (stock_id, begin_at, end_at)
	);

	CREATE TABLE IF NOT EXISTS dividends (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stock_id INTEGER NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
		value TEXT NOT NULL,
		date DATE NOT NULL,
		currency TEXT NOT NULL DEFAULT '',
		UNIQUE (stock_id, date)
	);

	CREATE TABLE IF NOT EXISTS candle_progress (
		stock_id INTEGER NOT NULL REFERENCES stocks(id) ON DELETE CASCADE,
		candle_interval INTEGER NOT NULL,
		high_water DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (stock_id, candle_interval)
	);

	CREATE TABLE IF NOT EXISTS ingestion_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		stocks INTEGER NOT NULL DEFAULT 0,
		candles INTEGER NOT NULL DEFAULT 0,
		dividends INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_candles_stock_begin ON candles(stock_id, begin_at);
	CREATE INDEX IF NOT EXISTS idx_dividends_stock ON dividends(stock_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON ingestion_runs(started_at);
	`

	if err := s.dropLegacyProgress(); err != nil {
		return err
	}
	_, err := s.db.Exec(schema)
	return err
}

// dropLegacyProgress removes a candle_progress table keyed by stock only. Its
// marks do not say which interval they cover, so the next run re-pages from
// the start and relies on the candle unique key.
func (s *SQLiteStore) dropLegacyProgress() error {
	var tables, keyed int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'candle_progress'`).Scan(&tables)
	if err != nil || tables == 0 {
		return err
	}
	err = s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('candle_progress') WHERE name = 'candle_interval'`).Scan(&keyed)
	if err != nil || keyed > 0 {
		return err
	}
	_, err = s.db.Exec(`DROP TABLE candle_progress`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteError maps driver errors onto the pipeline's error taxonomy.
func sqliteError(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
		return apperrors.NewConflictError(table, err)
	}
	return apperrors.NewStorageError(op, err)
}

// ============================================================================
// Stocks
// ============================================================================

// UpsertStocks validates the whole batch, then inserts or refreshes every
// stock keyed by ticker in one transaction.
func (s *SQLiteStore) UpsertStocks(ctx context.Context, stocks []models.Stock) (int, error) {
	valid, err := validateStocks(stocks)
	if err != nil {
		return 0, err
	}
	if len(valid) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqliteError("begin", "stocks", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO stocks (ticker, shortname, secname, latname, prevprice, lotsize, facevalue, faceunit,
			status, decimals, minstep, prevdate, issuesize, isin, regnumber, prevlegalcloseprice,
			currencyid, sectype, listlevel, settledate, updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticker) DO UPDATE SET
			shortname = excluded.shortname,
			secname = excluded.secname,
			latname = excluded.latname,
			prevprice = excluded.prevprice,
			lotsize = excluded.lotsize,
			facevalue = excluded.facevalue,
			faceunit = excluded.faceunit,
			status = excluded.status,
			decimals = excluded.decimals,
			minstep = excluded.minstep,
			prevdate = excluded.prevdate,
			issuesize = excluded.issuesize,
			isin = excluded.isin,
			regnumber = excluded.regnumber,
			prevlegalcloseprice = excluded.prevlegalcloseprice,
			currencyid = excluded.currencyid,
			sectype = excluded.sectype,
			listlevel = excluded.listlevel,
			settledate = excluded.settledate,
			updated = excluded.updated
	`)
	if err != nil {
		return 0, sqliteError("prepare upsert", "stocks", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, st := range valid {
		st.Updated = now
		if _, err := stmt.ExecContext(ctx, stockArgs(st)...); err != nil {
			return 0, sqliteError("upsert stock "+st.Ticker, "stocks", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, sqliteError("commit", "stocks", err)
	}
	return len(valid), nil
}

// ListStocks returns every stock ordered by ticker.
func (s *SQLiteStore) ListStocks(ctx context.Context) ([]models.Stock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stockColumns+` FROM stocks ORDER BY ticker`)
	if err != nil {
		return nil, sqliteError("list stocks", "stocks", err)
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
func (s *SQLiteStore) GetStock(ctx context.Context, ticker string) (models.Stock, error) {
	ticker = models.NormalizeTicker(ticker)
	st, err := scanStock(s.db.QueryRowContext(ctx, `SELECT `+stockColumns+` FROM stocks WHERE ticker = ?`, ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Stock{}, apperrors.NewNotFoundError("stock", ticker)
	}
	if err != nil {
		return models.Stock{}, apperrors.NewStorageError("get stock", err)
	}
	return st, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// stockID resolves the primary key of stock, trusting a non-zero ID.
func (s *SQLiteStore) stockID(ctx context.Context, q queryRower, stock models.Stock) (int64, error) {
	if stock.ID != 0 {
		return stock.ID, nil
	}
	ticker := models.NormalizeTicker(stock.Ticker)
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM stocks WHERE ticker = ?`, ticker).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperrors.NewNotFoundError("stock", ticker)
	}
	if err != nil {
		return 0, apperrors.NewStorageError("resolve stock", err)
	}
	return id, nil
}

// ============================================================================
// Candles
// ============================================================================

// InsertCandles stores candles of stock in one transaction. Candles already
// present for the same time range are left untouched and not counted.
func (s *SQLiteStore) InsertCandles(ctx context.Context, stock models.Stock, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqliteError("begin", "candles", err)
	}
	defer tx.Rollback()

	id, err := s.stockID(ctx, tx, stock)
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (stock_id, open, close, high, low, value, volume, begin_at, end_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stock_id, begin_at, end_at) DO NOTHING
	`)
	if err != nil {
		return 0, sqliteError("prepare insert", "candles", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, id, c.Open, c.Close, c.High, c.Low, c.Value, c.Volume,
			c.Range.Begin.UTC(), c.Range.End.UTC())
		if err != nil {
			return 0, sqliteError("insert candle", "candles", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, apperrors.NewStorageError("insert candle", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, sqliteError("commit", "candles", err)
	}
	return inserted, nil
}

// GetCandleHighWaterMark returns the end of the last persisted window, or the
// zero time when nothing has been loaded yet.
func (s *SQLiteStore) GetCandleHighWaterMark(ctx context.Context, stock models.Stock, interval int) (time.Time, error) {
	id, err := s.stockID(ctx, s.db, stock)
	if err != nil {
		return time.Time{}, err
	}

	var mark time.Time
	err = s.db.QueryRowContext(ctx, `
		SELECT high_water FROM candle_progress WHERE stock_id = ? AND candle_interval = ?
	`, id, interval).Scan(&mark)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, apperrors.NewStorageError("get high-water mark", err)
	}
	return mark.UTC(), nil
}

// SetCandleHighWaterMark records mark for stock and interval. The mark never moves back.
func (s *SQLiteStore) SetCandleHighWaterMark(ctx context.Context, stock models.Stock, interval int, mark time.Time) error {
	id, err := s.stockID(ctx, s.db, stock)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO candle_progress (stock_id, candle_interval, high_water, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stock_id, candle_interval) DO UPDATE SET
			high_water = excluded.high_water,
			updated_at = excluded.updated_at
		WHERE excluded.high_water > candle_progress.high_water
	`, id, interval, mark.UTC(), time.Now().UTC())
	return sqliteError("set high-water mark", "candle_progress", err)
}

// CountCandles returns the number of stored candles of ticker.
func (s *SQLiteStore) CountCandles(ctx context.Context, ticker string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM candles c JOIN stocks s ON s.id = c.stock_id WHERE s.ticker = ?
	`, models.NormalizeTicker(ticker)).Scan(&n)
	if err != nil {
		return 0, apperrors.NewStorageError("count candles", err)
	}
	return n, nil
}

// ============================================================================
// Dividends
// ============================================================================

// InsertDividendIfAbsent stores a dividend unless one already exists for the
// same stock and registry close date. It reports whether a row was written.
func (s *SQLiteStore) InsertDividendIfAbsent(ctx context.Context, stock models.Stock, date time.Time, value decimal.Decimal, currency string) (bool, error) {
	id, err := s.stockID(ctx, s.db, stock)
	if err != nil {
		return false, err
	}

	// A single statement takes the write lock up front, so the busy timeout
	// covers contention with other writers.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dividends (stock_id, value, date, currency) VALUES (?, ?, ?, ?)
		ON CONFLICT(stock_id, date) DO NOTHING
	`, id, value, models.Date(date), currency)
	if err != nil {
		return false, sqliteError("insert dividend", "dividends", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewStorageError("insert dividend", err)
	}
	return n == 1, nil
}

// CountDividends returns the number of stored dividends of ticker.
func (s *SQLiteStore) CountDividends(ctx context.Context, ticker string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dividends d JOIN stocks s ON s.id = d.stock_id WHERE s.ticker = ?
	`, models.NormalizeTicker(ticker)).Scan(&n)
	if err != nil {
		return 0, apperrors.NewStorageError("count dividends", err)
	}
	return n, nil
}

// ============================================================================
// Runs
// ============================================================================

// SaveRun inserts or replaces the summary of an ingestion run.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *models.IngestionRun) error {
	if run == nil || run.ID == "" {
		return apperrors.NewValidationError("", "run_id", "", "required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_runs (id, started_at, finished_at, status, stocks, candles, dividends, failures, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			status = excluded.status,
			stocks = excluded.stocks,
			candles = excluded.candles,
			dividends = excluded.dividends,
			failures = excluded.failures,
			error = excluded.error
	`, run.ID, run.StartedAt.UTC(), nullableTime(run.FinishedAt), string(run.Status), run.Stocks, run.Candles,
		run.Dividends, run.Failures, run.Error)
	if err != nil {
		return sqliteError("save run", "ingestion_runs", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, stocks, candles, dividends, failures, error
		FROM ingestion_runs ORDER BY started_at DESC LIMIT ?
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
