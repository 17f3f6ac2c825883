package storage

import (
	"sync/atomic"
	"time"
)

var lastVersion int64

// nextVersion returns a nanosecond stamp that is unique within the process
// and greater than current.
func nextVersion(current int64) int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastVersion)
		if now <= last {
			now = last + 1
		}
		if now <= current {
			now = current + 1
		}
		if atomic.CompareAndSwapInt64(&lastVersion, last, now) {
			return now
		}
	}
}
