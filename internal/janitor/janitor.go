// Package janitor runs a periodic sweep on its own goroutine.
//
// A Janitor is best-effort housekeeping: the stores it sweeps already expire
// entries lazily on read, so a sweep only bounds how long dead entries hold
// memory. Stop is idempotent and waits for the goroutine to exit.
package janitor

import (
	"sync"
	"time"

	"github.com/teilomillet/chatgate/clock"
	"github.com/teilomillet/chatgate/utils"
)

// SweepFunc removes stale entries and reports how many it removed.
type SweepFunc func() int

type Janitor struct {
	name   string
	sweep  SweepFunc
	logger utils.Logger

	ticker *clock.Ticker
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Start runs sweep every interval. A non-positive interval returns a Janitor
// with no goroutine; Tick still works on it.
func Start(clk clock.Clock, interval time.Duration, name string, sweep SweepFunc, logger utils.Logger) *Janitor {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	j := &Janitor{
		name:   name,
		sweep:  sweep,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if interval <= 0 {
		close(j.done)
		return j
	}

	// The ticker is registered before the goroutine starts so a fake clock
	// advanced right after Start always reaches it.
	j.ticker = clk.NewTicker(interval)
	go j.run()
	logger.Debug("Janitor started", "janitor", name, "interval", interval)
	return j
}

func (j *Janitor) run() {
	defer close(j.done)
	for {
		select {
		case <-j.stop:
			return
		case <-j.ticker.C:
			j.Tick()
		}
	}
}

// Tick runs one sweep synchronously on the caller's goroutine.
func (j *Janitor) Tick() int {
	removed := j.sweep()
	if removed > 0 {
		j.logger.Info("Janitor sweep removed entries", "janitor", j.name, "removed", removed)
	} else {
		j.logger.Debug("Janitor sweep found nothing to remove", "janitor", j.name)
	}
	return removed
}

// Stop halts the periodic sweep and waits for the goroutine to return.
func (j *Janitor) Stop() {
	j.once.Do(func() {
		close(j.stop)
		if j.ticker != nil {
			j.ticker.Stop()
		}
		<-j.done
		j.logger.Debug("Janitor stopped", "janitor", j.name)
	})
}
