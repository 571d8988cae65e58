package clock

import "time"

// SystemClock returns the current wall-clock time in UTC, truncated to milliseconds so
// expiry math agrees across backends (Redis keeps unix milliseconds).
type SystemClock struct{}

func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }
