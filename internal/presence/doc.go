// Package presence tracks which participants have an open session in each
// conversation. Presence is best-effort, never persisted, and rebuilt empty
// when the process restarts.
package presence
