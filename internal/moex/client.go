// Package moex provides a client for the Moscow Exchange ISS market-data API.
package moex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "moex-ingest/internal/errors"
	"moex-ingest/internal/logging"
	"moex-ingest/internal/resilience"
)

const (
	// DefaultBaseURL is the public ISS endpoint.
	DefaultBaseURL = "https://iss.moex.com"
	// DefaultBoard is the main T+ board for shares.
	DefaultBoard = "TQBR"
	// IntervalDay is the ISS candle interval code for daily bars.
	IntervalDay = 24

	maxBodyBytes = 32 << 20
)

// Moscow has been on UTC+3 without DST since 2014; all ISS timestamps use it.
var moscow = time.FixedZone("MSK", 3*60*60)

// ClientConfig holds ISS client configuration.
type ClientConfig struct {
	BaseURL           string
	Board             string
	Interval          int
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	UserAgent         string
	// BreakerThreshold consecutive transient failures open the circuit; 0 disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           DefaultBaseURL,
		Board:             DefaultBoard,
		Interval:          IntervalDay,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 10,
		Burst:             10,
		UserAgent:         "moex-ingest/1.0",
		BreakerThreshold:  25,
		BreakerCooldown:   30 * time.Second,
	}
}

// RequestObserver is notified after every provider request.
type RequestObserver func(op string, status int, duration time.Duration, err error)

// Client talks to the ISS REST API. It performs no retries.
type Client struct {
	baseURL    string
	board      string
	interval   int
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger

	mu       sync.RWMutex
	observer RequestObserver
}

// NewClient creates a new ISS client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Board == "" {
		cfg.Board = def.Board
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		board:      cfg.Board,
		interval:   cfg.Interval,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logging.Component(logger, "moex"),
	}
	c.breaker = resilience.NewCircuitBreaker("moex_iss", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		SuccessThreshold: 1,
		Cooldown:         cfg.BreakerCooldown,
		IsFailure:        apperrors.IsRetryable,
		OnStateChange: func(name string, from, to resilience.CircuitState) {
			c.logger.Warn().
				Str("breaker", name).
				Str("from", string(from)).
				Str("to", string(to)).
				Msg("Provider circuit breaker changed state")
		},
	})
	return c
}

// BreakerStats returns a snapshot of the provider circuit breaker.
func (c *Client) BreakerStats() resilience.CircuitBreakerStats {
	return c.breaker.Stats()
}

// SetObserver registers a callback invoked after each request.
func (c *Client) SetObserver(fn RequestObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

func (c *Client) observe(op string, status int, d time.Duration, err error) {
	c.mu.RLock()
	fn := c.observer
	c.mu.RUnlock()
	if fn != nil {
		fn(op, status, d, err)
	}
}

func (c *Client) sharesPath() string {
	return "/iss/engines/stock/markets/shares/boards/" + url.PathEscape(c.board) + "/securities"
}

func (c *Client) historyPath() string {
	return "/iss/history/engines/stock/markets/shares/boards/" + url.PathEscape(c.board) + "/securities"
}

// fetch performs a GET and returns the response body.
func (c *Client) fetch(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("iss.meta", "off")
	endpoint := c.baseURL + path + "?" + query.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewTransportError(op, endpoint, 0, false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperrors.NewTransportError(op, endpoint, 0, false, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	// An open circuit is reported as retryable so callers back off and probe again later.
	if err := c.breaker.Allow(); err != nil {
		return nil, apperrors.NewTransportError(op, endpoint, 0, true, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		err = apperrors.NewTransportError(op, endpoint, 0, ctx.Err() == nil, err)
		c.breaker.Record(err)
		logging.LogRequest(c.logger, op, endpoint, 0, time.Since(start), err)
		c.observe(op, 0, time.Since(start), err)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err == nil && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		err = apperrors.NewTransportError(op, endpoint, resp.StatusCode, retryableStatus(resp.StatusCode), nil)
	} else if err != nil {
		err = apperrors.NewTransportError(op, endpoint, resp.StatusCode, ctx.Err() == nil, fmt.Errorf("read body: %w", err))
	}

	c.breaker.Record(err)
	logging.LogRequest(c.logger, op, endpoint, resp.StatusCode, time.Since(start), err)
	c.observe(op, resp.StatusCode, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

func isStatus(err error, code int) bool {
	var te *apperrors.TransportError
	return apperrors.As(err, &te) && te.StatusCode == code
}
