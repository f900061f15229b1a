package ingest

import "time"

// EventType classifies orchestrator events.
type EventType string

const (
	// EventRunFailed is published when the stock universe could not be loaded.
	EventRunFailed EventType = "run_failed"
	// EventPartialFailure is published when at least one sub-job failed.
	EventPartialFailure EventType = "partial_failure"
	// EventRunCompleted is published when every sub-job succeeded.
	EventRunCompleted EventType = "run_completed"
)

// Event describes the end of a run.
type Event struct {
	Type   EventType
	RunID  string
	Report *Report
	Err    error
	At     time.Time
}

// Subscribe registers fn to receive run events. Handlers run synchronously
// on the goroutine finishing the run.
func (o *Orchestrator) Subscribe(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.subscribers = append(o.subscribers, fn)
}

func (o *Orchestrator) publish(ev Event) {
	o.mu.RLock()
	subs := make([]func(Event), len(o.subscribers))
	copy(subs, o.subscribers)
	o.mu.RUnlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error().Interface("panic", r).Str("event", string(ev.Type)).Msg("Event subscriber panicked")
				}
			}()
			fn(ev)
		}()
	}
}
