package util

import "time"

// StopTimer stops t and discards a fire that already landed in t.C.
func StopTimer(t *time.Timer) {
	if !t.Stop() {
		DrainTimer(t)
	}
}

// ResetTimer re-arms t for d with no stale fire left behind. Negative d
// fires at once.
func ResetTimer(t *time.Timer, d time.Duration) {
	StopTimer(t)
	t.Reset(max(d, 0))
}

// DrainTimer empties t.C without blocking.
func DrainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}
