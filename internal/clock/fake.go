package clock

import "time"

// FakeClock is a manually driven Clock for tests. It only moves when the
// test tells it to.
type FakeClock struct {
	current time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start.UTC()}
}

func (c *FakeClock) Now() time.Time { return c.current }

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

// SetTo jumps the clock to an absolute instant.
func (c *FakeClock) SetTo(t time.Time) {
	c.current = t.UTC()
}
