package schema

import "time"

// ChainTimeSnapshot pairs an observed block timestamp with the local
// monotonic instant it was captured at.
type ChainTimeSnapshot struct {
	ChainTimestamp int64
	CapturedAt     time.Time
	BlockNumber    uint64
}

// Extrapolate returns the estimated chain time at instant now, in whole seconds.
func (s ChainTimeSnapshot) Extrapolate(now time.Time) int64 {
	elapsed := now.Sub(s.CapturedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return s.ChainTimestamp + int64(elapsed/time.Second)
}
