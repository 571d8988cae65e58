package clock

import "time"

// Clock is the time source for lease and cache expiry. Stores accept it as an option so
// TTL behaviour can be driven by a manual clock in tests.
type Clock interface {
	Now() time.Time
}
