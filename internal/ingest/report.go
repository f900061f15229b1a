package ingest

import (
	"time"

	"moex-ingest/internal/models"
)

// Kind names the sub-job a Result belongs to.
type Kind string

const (
	KindUniverse  Kind = "universe"
	KindCandles   Kind = "candles"
	KindDividends Kind = "dividends"
)

// Result is the outcome of one sub-job. A skipped job found no data and is
// not a failure.
type Result struct {
	Ticker   string        `json:"ticker" csv:"ticker"`
	Kind     Kind          `json:"kind" csv:"kind"`
	Count    int           `json:"count" csv:"count"`
	Skipped  bool          `json:"skipped" csv:"skipped"`
	Err      error         `json:"-" csv:"-"`
	Error    string        `json:"error,omitempty" csv:"error"`
	Duration time.Duration `json:"duration" csv:"-"`
}

// Failed reports whether the job ended with an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Report summarises an ingestion run.
type Report struct {
	RunID      string           `json:"run_id"`
	Status     models.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Stocks     int              `json:"stocks"`
	Candles    int              `json:"candles"`
	Dividends  int              `json:"dividends"`
	Results    []Result         `json:"results"`
	Err        error            `json:"-"`
	Error      string           `json:"error,omitempty"`
}

// Failures returns the results that ended with an error.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

// Duration returns the wall time of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) add(res Result) {
	if res.Err != nil {
		res.Error = res.Err.Error()
	}
	r.Results = append(r.Results, res)
	switch res.Kind {
	case KindCandles:
		r.Candles += res.Count
	case KindDividends:
		r.Dividends += res.Count
	}
}

// finish settles the terminal status from the collected results.
func (r *Report) finish(at time.Time) {
	r.FinishedAt = at
	switch {
	case r.Err != nil:
		r.Status = models.RunFailed
		r.Error = r.Err.Error()
	case len(r.Failures()) > 0:
		r.Status = models.RunPartialFailure
	default:
		r.Status = models.RunDone
	}
}

// Run converts the report into its persisted form.
func (r *Report) Run() *models.IngestionRun {
	return &models.IngestionRun{
		ID:         r.RunID,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Status:     r.Status,
		Stocks:     r.Stocks,
		Candles:    r.Candles,
		Dividends:  r.Dividends,
		Failures:   len(r.Failures()),
		Error:      r.Error,
	}
}
