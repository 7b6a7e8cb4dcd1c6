package api

import (
	"sync/atomic"
	"time"
)

// eventClock hands out nanosecond event timestamps that never repeat or go
// backwards within the process, even when the wall clock does.
type eventClock struct {
	last atomic.Int64
	now  func() time.Time
}

func newEventClock() *eventClock {
	return &eventClock{now: time.Now}
}

func (c *eventClock) Next() int64 {
	for {
		ts := c.now().UnixNano()
		last := c.last.Load()
		if ts <= last {
			ts = last + 1
		}
		if c.last.CompareAndSwap(last, ts) {
			return ts
		}
	}
}
