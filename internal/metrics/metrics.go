package metrics

import (
	"sync/atomic"
	"time"
)

type Counter struct {
	value uint64
}

func (c *Counter) Inc() {
	atomic.AddUint64(&c.value, 1)
}

func (c *Counter) Add(n uint64) {
	atomic.AddUint64(&c.value, n)
}

func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(&c.value)
}

type Timer struct {
	start time.Time
}

func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Fulfillment counts order outcomes since process start.
type Fulfillment struct {
	Started     Counter
	Placed      Counter
	Completed   Counter
	Failed      Counter
	Resumed     Counter
	Unresumable Counter
	PollErrors  Counter
}

func (f *Fulfillment) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"started":     f.Started.Load(),
		"placed":      f.Placed.Load(),
		"completed":   f.Completed.Load(),
		"failed":      f.Failed.Load(),
		"resumed":     f.Resumed.Load(),
		"unresumable": f.Unresumable.Load(),
		"poll_errors": f.PollErrors.Load(),
	}
}
