// Package ingest drives a full ingestion run: it loads the stock universe,
// fans candle and dividend jobs out per ticker and aggregates the outcome.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"moex-ingest/internal/dividends"
	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/logging"
	"moex-ingest/internal/metrics"
	"moex-ingest/internal/models"
	"moex-ingest/internal/moex"
	"moex-ingest/internal/pager"
	"moex-ingest/internal/pool"
	"moex-ingest/internal/store"
	"moex-ingest/pkg/utils"
)

// MarketData is the provider surface the orchestrator depends on.
type MarketData interface {
	ListTickers(ctx context.Context) ([]models.Stock, error)
	GetAvailableDateRange(ctx context.Context, ticker string) (models.DateRange, error)
	GetCandlePage(ctx context.Context, ticker string, window models.Window) ([]models.Candle, error)
	GetDividendHistory(ctx context.Context, ticker string) ([]moex.RawDividend, error)
}

// Config holds orchestrator configuration.
type Config struct {
	Concurrency    int
	Interval       int // candle interval code; progress is tracked per interval
	WindowSize     time.Duration
	RunTimeout     time.Duration
	PersistTimeout time.Duration
	Retry          utils.RetryConfig
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:    8,
		Interval:       moex.IntervalDay,
		WindowSize:     pager.DefaultWindowSize,
		RunTimeout:     6 * time.Hour,
		PersistTimeout: 30 * time.Second,
		Retry:          utils.DefaultRetryConfig(),
	}
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records run metrics on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs ingestion. It is safe to call Run concurrently, though
// runs then compete for the same provider rate limit.
type Orchestrator struct {
	client  MarketData
	repo    store.Repository
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu          sync.RWMutex
	subscribers []func(Event)
}

// New creates an orchestrator.
func New(client MarketData, repo store.Repository, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}

	o := &Orchestrator{
		client: client,
		repo:   repo,
		cfg:    cfg,
		logger: logger.With().Str("component", "ingest").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run performs a full ingestion. A run whose sub-jobs partly failed still
// returns a nil error; inspect Report.Status. The error is non-nil only when
// the stock universe could not be loaded.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report, logger, ctx, cancel := o.begin(ctx)
	defer cancel()

	logger.Info().Msg("Ingestion run started")

	stocks, err := o.loadUniverse(ctx, logger)
	if err != nil {
		report.Err = err
		report.add(Result{Kind: KindUniverse, Err: err})
		o.end(report, logger)
		return report, err
	}
	report.Stocks = len(stocks)

	o.fanOut(ctx, report, stocks, logger)
	o.end(report, logger)
	return report, nil
}

// RunTicker re-ingests candles and dividends for already persisted stocks.
// Unknown tickers are reported as failed results.
func (o *Orchestrator) RunTicker(ctx context.Context, tickers ...string) (*Report, error) {
	report, logger, ctx, cancel := o.begin(ctx)
	defer cancel()

	logger.Info().Strs("tickers", tickers).Msg("Backfill started")

	var stocks []models.Stock
	for _, t := range tickers {
		stock, err := o.repo.GetStock(ctx, t)
		if err != nil {
			tickerLogger := logging.WithTicker(logger, models.NormalizeTicker(t))
			tickerLogger.Warn().Err(err).Msg("Cannot backfill ticker")
			report.add(Result{Ticker: models.NormalizeTicker(t), Kind: KindUniverse, Err: err})
			continue
		}
		stocks = append(stocks, stock)
	}
	report.Stocks = len(stocks)

	o.fanOut(ctx, report, stocks, logger)
	o.end(report, logger)
	return report, nil
}

func (o *Orchestrator) begin(ctx context.Context) (*Report, zerolog.Logger, context.Context, context.CancelFunc) {
	report := &Report{
		RunID:     uuid.NewString(),
		Status:    models.RunRunning,
		StartedAt: o.now().UTC(),
	}
	logger := logging.WithRunID(o.logger, report.RunID)

	cancel := context.CancelFunc(func() {})
	if o.cfg.RunTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RunTimeout)
	}
	return report, logger, logging.WithLogger(ctx, logger), cancel
}

func (o *Orchestrator) end(report *Report, logger zerolog.Logger) {
	report.finish(o.now().UTC())

	event := logger.Info()
	if report.Status != models.RunDone {
		event = logger.Warn()
	}
	event.Str("status", string(report.Status)).
		Int("stocks", report.Stocks).
		Int("candles", report.Candles).
		Int("dividends", report.Dividends).
		Int("failures", len(report.Failures())).
		Dur("duration", report.Duration()).
		Msg("Ingestion run finished")

	o.recordMetrics(report)

	saveCtx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.repo.SaveRun(saveCtx, report.Run()); err != nil {
		logger.Error().Err(err).Msg("Failed to save run record")
	}

	ev := Event{RunID: report.RunID, Report: report, Err: report.Err, At: report.FinishedAt}
	switch report.Status {
	case models.RunFailed:
		ev.Type = EventRunFailed
	case models.RunPartialFailure:
		ev.Type = EventPartialFailure
	default:
		ev.Type = EventRunCompleted
	}
	o.publish(ev)
}

func (o *Orchestrator) recordMetrics(report *Report) {
	if o.metrics == nil {
		return
	}
	o.metrics.RunsTotal.WithLabelValues(string(report.Status)).Inc()
	o.metrics.RunDuration.Observe(report.Duration().Seconds())
	o.metrics.CandlesInserted.Add(float64(report.Candles))
	o.metrics.DividendsAdded.Add(float64(report.Dividends))
	for _, f := range report.Failures() {
		o.metrics.JobFailures.WithLabelValues(string(f.Kind)).Inc()
	}
	if report.Status != models.RunFailed {
		o.metrics.LastSuccess.Set(float64(report.FinishedAt.Unix()))
	}
}

// retryConfig returns the retry policy for provider calls of op.
func (o *Orchestrator) retryConfig(op string, logger zerolog.Logger) utils.RetryConfig {
	cfg := o.cfg.Retry
	cfg.Retryable = apperrors.IsRetryable
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("delay", delay).Msg("Retrying provider call")
		if o.metrics != nil {
			o.metrics.Retries.WithLabelValues(op).Inc()
		}
	}
	return cfg
}

// loadUniverse fetches the listing, upserts it and returns the persisted stocks.
func (o *Orchestrator) loadUniverse(ctx context.Context, logger zerolog.Logger) ([]models.Stock, error) {
	logger = logging.WithStage(logger, "universe")

	fetched, err := utils.RetryWithResult(ctx, o.retryConfig("list_tickers", logger), func() ([]models.Stock, error) {
		return o.client.ListTickers(ctx)
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to fetch stock listing")
		return nil, apperrors.Wrap(err, "fetch stock listing")
	}

	n, err := o.repo.UpsertStocks(ctx, fetched)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upsert stocks")
		return nil, apperrors.Wrap(err, "upsert stocks")
	}
	logger.Info().Int("stocks", n).Msg("Stock universe refreshed")
	if o.metrics != nil {
		o.metrics.StocksUpserted.Add(float64(n))
	}

	stocks, err := o.repo.ListStocks(ctx)
	if err != nil {
		return nil, apperrors.Wrap(err, "list stocks")
	}
	return stocks, nil
}

// fanOut runs the candle and dividend jobs of every stock on a bounded pool
// and waits for all of them.
func (o *Orchestrator) fanOut(ctx context.Context, report *Report, stocks []models.Stock, logger zerolog.Logger) {
	if len(stocks) == 0 {
		return
	}

	p := pool.New(o.cfg.Concurrency, func(r interface{}, _ []byte) {
		logger.Error().Interface("panic", r).Msg("Worker recovered from panic")
	})
	p.Start()
	defer p.Stop()

	var mu sync.Mutex
	collect := func(res Result) {
		mu.Lock()
		report.add(res)
		mu.Unlock()
	}

	jobs := []struct {
		kind Kind
		run  func(context.Context, models.Stock, zerolog.Logger) Result
	}{
		{KindCandles, o.loadCandles},
		{KindDividends, o.loadDividends},
	}

	for _, stock := range stocks {
		for _, job := range jobs {
			jobLogger := logging.WithStage(logging.WithTicker(logger, stock.Ticker), string(job.kind))
			err := p.Submit(ctx, func() {
				collect(o.runJob(ctx, stock, job.kind, job.run, jobLogger))
			})
			if err != nil {
				collect(Result{Ticker: stock.Ticker, Kind: job.kind, Err: err})
			}
		}
	}
	p.Wait()

	stats := p.Stats()
	logger.Debug().
		Int("workers", stats.Workers).
		Uint64("tasks", stats.TasksTotal).
		Uint64("panics", stats.Panics).
		Msg("Worker pool drained")
}

// runJob executes one sub-job, converting a panic into a failed result.
func (o *Orchestrator) runJob(ctx context.Context, stock models.Stock, kind Kind,
	fn func(context.Context, models.Stock, zerolog.Logger) Result, logger zerolog.Logger) (res Result) {
	start := o.now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Job panicked")
			res = Result{Err: fmt.Errorf("job panicked: %v", r)}
		}
		res.Ticker = stock.Ticker
		res.Kind = kind
		res.Duration = o.now().Sub(start)
		if res.Err != nil {
			logger.Error().Err(res.Err).Int("count", res.Count).Msg("Job failed")
		}
	}()
	return fn(ctx, stock, logger)
}

// persistContext detaches ctx from cancellation so an already fetched batch
// is written even when the run is being cancelled.
func (o *Orchestrator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
}

// loadCandles pages through the ticker's history from its high-water mark.
func (o *Orchestrator) loadCandles(ctx context.Context, stock models.Stock, logger zerolog.Logger) Result {
	span, err := utils.RetryWithResult(ctx, o.retryConfig("date_range", logger), func() (models.DateRange, error) {
		return o.client.GetAvailableDateRange(ctx, stock.Ticker)
	})
	if apperrors.Is(err, apperrors.ErrNotFound) {
		logger.Info().Msg("No trading history available")
		return Result{Skipped: true}
	}
	if err != nil {
		return Result{Err: err}
	}

	mark, err := o.repo.GetCandleHighWaterMark(ctx, stock, o.cfg.Interval)
	if err != nil {
		return Result{Err: err}
	}

	fetch := pager.FetcherFunc(func(ctx context.Context, ticker string, w models.Window) ([]models.Candle, error) {
		return utils.RetryWithResult(ctx, o.retryConfig("candles", logger), func() ([]models.Candle, error) {
			return o.client.GetCandlePage(ctx, ticker, w)
		})
	})
	p := pager.New(fetch, stock.Ticker, span, pager.Options{WindowSize: o.cfg.WindowSize, From: mark})
	logger.Debug().Time("from", span.Begin).Time("till", span.End).Time("high_water", mark).
		Int("windows", p.Remaining()).Msg("Loading candles")

	total := 0
	for p.Next(ctx) {
		batch := p.Batch()
		n, err := o.persistBatch(ctx, stock, batch)
		total += n
		if err != nil {
			return Result{Count: total, Err: err}
		}
		logger.Debug().Time("window_end", batch.Window.End).Int("inserted", n).Msg("Window persisted")
	}
	if err := p.Err(); err != nil {
		return Result{Count: total, Err: err}
	}
	return Result{Count: total}
}

func (o *Orchestrator) persistBatch(ctx context.Context, stock models.Stock, batch pager.Batch) (int, error) {
	pctx, cancel := o.persistContext(ctx)
	defer cancel()

	n, err := o.repo.InsertCandles(pctx, stock, batch.Candles)
	if err != nil {
		return 0, err
	}
	if err := o.repo.SetCandleHighWaterMark(pctx, stock, o.cfg.Interval, batch.Window.End); err != nil {
		return n, err
	}
	return n, nil
}

// dividendSource adds retries to the provider's dividend endpoint.
type dividendSource struct {
	o      *Orchestrator
	logger zerolog.Logger
}

func (s dividendSource) GetDividendHistory(ctx context.Context, ticker string) ([]moex.RawDividend, error) {
	return utils.RetryWithResult(ctx, s.o.retryConfig("dividends", s.logger), func() ([]moex.RawDividend, error) {
		return s.o.client.GetDividendHistory(ctx, ticker)
	})
}

// loadDividends stores dividend events not yet known for the stock.
func (o *Orchestrator) loadDividends(ctx context.Context, stock models.Stock, logger zerolog.Logger) Result {
	loader := dividends.NewLoader(dividendSource{o: o, logger: logger}, logger)
	divs, err := loader.Load(ctx, stock.Ticker)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return Result{Skipped: true}
	}
	if err != nil {
		return Result{Err: err}
	}
	if len(divs) == 0 {
		return Result{Skipped: true}
	}

	pctx, cancel := o.persistContext(ctx)
	defer cancel()

	written := 0
	for _, d := range divs {
		ok, err := o.repo.InsertDividendIfAbsent(pctx, stock, d.RegistryCloseDate, d.Value, d.Currency)
		if err != nil {
			return Result{Count: written, Err: err}
		}
		if ok {
			written++
		}
	}
	return Result{Count: written}
}
