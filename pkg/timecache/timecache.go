// Package timecache caches the system clock so that hot paths can read the
// current time without calling time.Now().
//
// The time is stored as nanoseconds since the Unix Epoch in a single int64
// accessed with atomic primitives. A global singleton updated once per
// second is started by init.
package timecache

import (
	"sync"
	"sync/atomic"
	"time"
)

// t is the global TimeCache.
var t *TimeCache

func init() {
	t = New()
	go t.Run(1 * time.Second)
}

// A TimeCache is a cache for the current system time, with nanosecond
// precision and a configurable refresh interval.
type TimeCache struct {
	// clock holds the current time's nanoseconds since the Epoch.
	// Must be accessed atomically.
	clock int64

	closeOnce sync.Once
	closed    chan struct{}
	running   int32
}

// New returns a new TimeCache.
// The TimeCache must be started with Run to update the time.
func New() *TimeCache {
	return &TimeCache{
		clock:  time.Now().UnixNano(),
		closed: make(chan struct{}),
	}
}

// Run updates the cached clock value once every interval and blocks until
// Stop is called. It must be called at most once.
func (t *TimeCache) Run(interval time.Duration) {
	if !atomic.CompareAndSwapInt32(&t.running, 0, 1) {
		panic("Run called multiple times")
	}

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-t.closed:
			return
		case now := <-tick.C:
			atomic.StoreInt64(&t.clock, now.UnixNano())
		}
	}
}

// Stop stops the TimeCache.
// The cached time remains valid but will not be updated anymore.
// A stopped TimeCache cannot be restarted. Calling Stop again is a no-op.
func (t *TimeCache) Stop() {
	t.closeOnce.Do(func() { close(t.closed) })
}

// Now returns the cached time as a time.Time value.
func (t *TimeCache) Now() time.Time {
	return time.Unix(0, atomic.LoadInt64(&t.clock))
}

// NowUnixNano returns the cached time as nanoseconds since the Unix Epoch.
func (t *TimeCache) NowUnixNano() int64 {
	return atomic.LoadInt64(&t.clock)
}

// NowUnix returns the cached time as seconds since the Unix Epoch.
func (t *TimeCache) NowUnix() int64 {
	// Adopted from time.Unix.
	nsec := atomic.LoadInt64(&t.clock)
	sec := nsec / 1e9
	nsec -= sec * 1e9
	if nsec < 0 {
		sec--
	}
	return sec
}

// Now calls Now on the global TimeCache instance.
func Now() time.Time {
	return t.Now()
}

// NowUnixNano calls NowUnixNano on the global TimeCache instance.
func NowUnixNano() int64 {
	return t.NowUnixNano()
}

// NowUnix calls NowUnix on the global TimeCache instance.
func NowUnix() int64 {
	return t.NowUnix()
}
