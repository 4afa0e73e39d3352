package workqueue

import "time"

// Profile selects the retry cadence for a queue.
type Profile string

const (
	// ProfileAlert retries at a fixed short interval. Alerts are
	// latency-sensitive and must be retried aggressively.
	ProfileAlert Profile = "alert"
	// ProfileHeartbeat backs off exponentially up to a ceiling. Heartbeat
	// staleness is low-urgency and aggressive retry during an outage wastes
	// bandwidth.
	ProfileHeartbeat Profile = "heartbeat"
)

const (
	baseRetryDelay = 30 * time.Second
	maxRetryDelay  = 300 * time.Second
)

// Delay returns the retry delay to apply after the given attempt count.
// Attempts is the value recorded by MarkSending, so the first failure passes 1.
func Delay(profile Profile, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if profile == ProfileAlert {
		return baseRetryDelay
	}
	delay := baseRetryDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
