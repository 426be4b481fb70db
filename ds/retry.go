package ds

import "time"

// RetryContext is the cooperation surface between a writer and the host
// framework's retry controller.
//
// The library never sleeps or loops. A writer either returns an error for
// the controller to retry on its own schedule, calls Bail to stop retrying,
// or calls SetNextRetryInterval to make the next attempt honor a
// server-supplied backoff hint.
type RetryContext interface {
	// Bail marks err as final. The retry loop stops and surfaces err
	// to its caller.
	Bail(err error)

	// SetNextRetryInterval overrides the controller's computed backoff
	// for the next attempt.
	SetNextRetryInterval(d time.Duration)
}

// NopRetryContext is a RetryContext that ignores both signals.
// It can be used by tests and one-shot callers without a retry loop.
type NopRetryContext struct{}

// Bail implements RetryContext.
func (NopRetryContext) Bail(error) {}

// SetNextRetryInterval implements RetryContext.
func (NopRetryContext) SetNextRetryInterval(time.Duration) {}
