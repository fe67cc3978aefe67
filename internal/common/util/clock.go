package util

import "time"

// Clock exists so components that stamp or age things can be tested
// without sleeping.
type Clock interface {
	Now() time.Time
}

type DefaultClock struct{}

func (c *DefaultClock) Now() time.Time { return time.Now() }

// DummyClock reports a fixed time. Tests advance it by assigning T.
type DummyClock struct {
	T time.Time
}

func (c *DummyClock) Now() time.Time {
	return c.T
}
