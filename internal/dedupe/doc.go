// Package dedupe provides a time-based cache that remembers the result of a
// request key for a configurable window, so retried requests return the
// original result instead of being processed twice.
package dedupe
