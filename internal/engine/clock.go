package engine

import "time"

// Clock reports wall-clock time. Scheduling decisions (next_run_at, backoff,
// lease expiry) all read time through a Clock so tests can control it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
