// Package staleness decides whether any aggregation bucket has stopped
// advancing: a bucket is stale when its latest processed time falls strictly
// before the horizon (now minus the lookback interval).
package staleness

import "time"

// DefaultInterval is the lookback window used when a rule does not set one.
const DefaultInterval = 6 * time.Hour

// Horizon returns the cutoff before which a bucket is considered stale.
func Horizon(now time.Time, interval time.Duration) time.Time {
	return now.Add(-interval)
}

// AnyBefore reports whether at least one timestamp is strictly earlier than
// horizon. An empty sequence is never stale.
func AnyBefore(horizon time.Time, timestamps []time.Time) bool {
	result := false
	for _, ts := range timestamps {
		if ts.Before(horizon) {
			result = true
		}
	}
	return result
}

// Stale computes the horizon from now and interval and runs AnyBefore.
func Stale(now time.Time, interval time.Duration, timestamps []time.Time) bool {
	return AnyBefore(Horizon(now, interval), timestamps)
}

// Keyed is a timestamp tagged with the bucket key it came from.
type Keyed interface {
	BucketKey() string
	BucketTime() time.Time
}

// StaleKeys returns the keys of every bucket older than horizon, in input
// order. It is non-empty exactly when AnyBefore would return true.
func StaleKeys[T Keyed](horizon time.Time, buckets []T) []string {
	var keys []string
	for _, b := range buckets {
		if b.BucketTime().Before(horizon) {
			keys = append(keys, b.BucketKey())
		}
	}
	return keys
}
