package utils

import (
	"sync"
	"time"
)

// IntervalTimer is a periodically firing timer that can be stopped.
// Stop is idempotent and safe to call from any goroutine.
type IntervalTimer interface {
	Stop()
}

type timeInterval struct {
	once sync.Once
	quit chan struct{}
}

func (t *timeInterval) Stop() {
	t.once.Do(func() {
		close(t.quit)
	})
}

// SetIntervalTimer invokes function every duration until Stop is called.
func SetIntervalTimer(duration time.Duration, function func()) IntervalTimer {
	ticker := time.NewTicker(duration)
	t := &timeInterval{quit: make(chan struct{})}
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				function()
			case <-t.quit:
				return
			}
		}
	}()
	return t
}
