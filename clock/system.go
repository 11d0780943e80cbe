// A thin wrapper over the system clock which can be swapped out in tests.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	CurrentTimeMs() int64
	Now() time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return &systemClock{}
}

func (sc *systemClock) CurrentTimeMs() int64 {
	return time.Now().UnixMilli()
}

func (sc *systemClock) Now() time.Time {
	return time.Now()
}

// ManualClock only moves when told to.
type ManualClock struct {
	lock sync.Mutex
	now  time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (mc *ManualClock) CurrentTimeMs() int64 {
	return mc.Now().UnixMilli()
}

func (mc *ManualClock) Now() time.Time {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.now
}

func (mc *ManualClock) Advance(d time.Duration) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.now = mc.now.Add(d)
}

func (mc *ManualClock) Set(t time.Time) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.now = t
}
