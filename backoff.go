package queue

import "time"

// BackoffStrategy names the function that spaces retries.
type BackoffStrategy string

const (
	// BackoffExponential waits base * 2^(attempt-1).
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffFixed waits base between every attempt.
	BackoffFixed BackoffStrategy = "fixed"
)

// maxBackoff caps the computed delay so large attempt numbers cannot
// overflow time.Duration.
const maxBackoff = 24 * time.Hour

// Backoff returns how long to wait between attempt and attempt+1, where
// attempt is the 1-based number of the attempt that just failed.
func Backoff(strategy BackoffStrategy, attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if strategy == BackoffFixed {
		return base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= maxBackoff/2 {
			return maxBackoff
		}
		delay *= 2
	}
	return delay
}
