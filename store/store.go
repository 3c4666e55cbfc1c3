package store

import (
	"sync"
	"time"
)

// Sweeper is implemented by stores that hold expiring entries.
type Sweeper interface {
	// Sweep removes entries whose deadline has passed at now and
	// returns how many were removed.
	Sweep(now time.Time) int
}

// StartSweeper runs every sweeper on each tick of interval, using clock for
// the current time. onSweep, if non-nil, receives the total removed per tick.
// Call the returned function to stop the goroutine; it is safe to call twice.
func StartSweeper(interval time.Duration, clock func() time.Time, onSweep func(removed int), sweepers ...Sweeper) func() {
	if interval <= 0 || len(sweepers) == 0 {
		return func() {}
	}
	if clock == nil {
		clock = time.Now
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				now := clock()
				removed := 0
				for _, s := range sweepers {
					removed += s.Sweep(now)
				}
				if onSweep != nil {
					onSweep(removed)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
