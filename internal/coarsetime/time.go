// coarsetime provides a coarse clock to reduce the overhead of frequent time.Now() calls.
// The current time is refreshed at a fixed interval (50ms) by a background goroutine.
//
// Good enough for ages measured in minutes, like routing snapshots.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Pointer[time.Time]

func init() {
	store(time.Now())
	go refresh(time.NewTicker(tick))
}

func refresh(t *time.Ticker) {
	for current := range t.C {
		store(current)
	}
}

func store(t time.Time) {
	now.Store(&t)
}

// Now returns the last sampled time.
func Now() time.Time {
	return *now.Load()
}
