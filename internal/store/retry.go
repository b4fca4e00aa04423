package store

import (
	"log"
	"math/rand/v2"
	"time"
)

// retryBudget bounds how many times a transient Store error is retried
// before it propagates.
const retryBudget = 5

// withRetry runs fn, retrying transient errors with exponential backoff
// and jitter up to retryBudget times. Each retry and the overall
// operation latency feed the store collectors when metrics are attached.
func (db *DB) withRetry(op string, fn func() error) error {
	start := time.Now()
	defer func() {
		if db.metrics != nil {
			db.metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}()

	var err error
	base := 20 * time.Millisecond
	for attempt := 0; attempt < retryBudget; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if db.metrics != nil {
			db.metrics.StoreRetries.WithLabelValues(op).Inc()
		}
		delay := base * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int64N(int64(delay) + 1))
		log.Printf("[store] transient error on %s (attempt %d/%d): %v, retrying in %s",
			op, attempt+1, retryBudget, err, delay+jitter)
		time.Sleep(delay + jitter)
	}
	return err
}
