package clock

import "time"

// Clock supplies wall time to components that must be testable with
// frozen time.
type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }
