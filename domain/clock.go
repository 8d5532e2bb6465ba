package domain

import (
	"sync/atomic"
	"time"
)

var lastStamp int64

// NextVersion mints a strictly increasing unix-nano timestamp. Version
// tokens compare by exact equality, so two mutations in the same process
// must never share a stamp even when the wall clock stalls.
func NextVersion() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastStamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastStamp, last, now) {
			return now
		}
	}
}
