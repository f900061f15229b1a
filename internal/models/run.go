package models

import "time"

// RunStatus is the terminal state of an ingestion run.
type RunStatus string

const (
	RunRunning        RunStatus = "running"
	RunDone           RunStatus = "done"
	RunPartialFailure RunStatus = "partial_failure"
	RunFailed         RunStatus = "failed"
)

// IngestionRun is the persisted summary of one orchestrator run.
type IngestionRun struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	Stocks     int
	Candles    int
	Dividends  int
	Failures   int
	Error      string
}
