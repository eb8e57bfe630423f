package periph

import "sync/atomic"

// SimClock is an oscillator model that reports running after a fixed number
// of polls following the start command.
type SimClock struct {
	settle  int64
	polls   atomic.Int64
	started atomic.Bool
	starts  atomic.Int64
}

// NewSimClock returns a clock that runs once OscillatorRunning has been
// polled settle times after StartOscillator.
func NewSimClock(settle int) *SimClock {
	return &SimClock{settle: int64(settle)}
}

// StartOscillator implements Clock.
func (c *SimClock) StartOscillator() {
	c.starts.Add(1)
	c.started.Store(true)
}

// OscillatorRunning implements Clock.
func (c *SimClock) OscillatorRunning() bool {
	if !c.started.Load() {
		return false
	}
	return c.polls.Add(1) > c.settle
}

// Starts returns how many times the start command was issued.
func (c *SimClock) Starts() int {
	return int(c.starts.Load())
}

// Polls returns how many times the clock was polled after starting.
func (c *SimClock) Polls() int {
	return int(c.polls.Load())
}

var _ Clock = (*SimClock)(nil)
