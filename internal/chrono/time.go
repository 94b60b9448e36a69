package chrono

import (
	"sync"
	"time"
)

var santiago *time.Location

func init() {
	var err error
	santiago, err = time.LoadLocation("America/Santiago")
	if err != nil {
		santiago = time.FixedZone("CLT", -4*60*60)
	}
}

// Santiago returns a [*time.Location] for America/Santiago, the zone banking
// portals render their timestamps in.
func Santiago() *time.Location {
	return santiago
}

// TimeAPI is the interface that anything depending on the system clock should use.
type TimeAPI interface {
	// Now returns the current time in America/Santiago.
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

// StandardTime is the standard implementation of TimeAPI using the standard library.
type StandardTime struct{}

// NewStandardTime is the constructor of StandardTime.
func NewStandardTime() StandardTime {
	return StandardTime{}
}

func (StandardTime) Now() time.Time {
	return time.Now().In(santiago)
}

func (StandardTime) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// FakeTime is a TimeAPI whose clock only moves when something waits on it.
// Every call to After advances the clock by d and fires immediately, the
// requested durations are kept so tests can assert on them.
type FakeTime struct {
	mutex  sync.Mutex
	now    time.Time
	waits  []time.Duration
	onWait func(d time.Duration)
}

func NewFakeTime(start time.Time) *FakeTime {
	return &FakeTime{now: start}
}

// OnWait registers a callback invoked on every After, after the clock advanced.
func (f *FakeTime) OnWait(fn func(d time.Duration)) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.onWait = fn
}

func (f *FakeTime) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.now
}

func (f *FakeTime) Advance(d time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.now = f.now.Add(d)
}

func (f *FakeTime) After(d time.Duration) <-chan time.Time {
	f.mutex.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	f.waits = append(f.waits, d)
	now := f.now
	cb := f.onWait
	f.mutex.Unlock()

	if cb != nil {
		cb(d)
	}
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// Waits returns every duration passed to After so far.
func (f *FakeTime) Waits() []time.Duration {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([]time.Duration, len(f.waits))
	copy(out, f.waits)
	return out
}
