package jobs

import "time"

// BackoffCap bounds the retry delay so a long-failing job keeps getting
// attempted on a predictable cadence.
const BackoffCap = 5 * time.Minute

// Backoff returns the delay before retrying a job whose attempt-th handler
// invocation just failed (1-based): 2^attempt seconds, capped at BackoffCap.
// Consecutive delays for the same job are non-decreasing.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return BackoffCap
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > BackoffCap {
		return BackoffCap
	}
	return d
}
