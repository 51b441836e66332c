package heartbeat

import (
	"sync"
	"time"
)

// Handle controls a running heartbeat scheduler.
type Handle struct {
	stop chan struct{}
	done chan struct{}
}

// Stop requests the scheduler loop to exit and waits for it to do so.
func (h *Handle) Stop() {
	close(h.stop)
	<-h.done
}

// Clock abstracts time so tests can drive ticks deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Start launches the periodic self-probe. A disabled config persists
// one disabled snapshot and returns a no-op handle immediately,
// matching the original's "disabled mode still writes a snapshot"
// contract.
func Start(cfg Config) (*Handle, error) {
	return StartWithClock(cfg, systemClock{})
}

// StartWithClock is Start with an injectable clock for tests.
func StartWithClock(cfg Config, clock Clock) (*Handle, error) {
	if !cfg.Enabled {
		if err := PersistDisabledSnapshot(cfg, clock.Now().UnixMilli()); err != nil {
			return nil, err
		}
		done := make(chan struct{})
		close(done)
		return &Handle{stop: make(chan struct{}), done: done}, nil
	}

	handle := &Handle{stop: make(chan struct{}), done: make(chan struct{})}
	go runLoop(cfg, clock, handle)
	return handle, nil
}

func runLoop(cfg Config, clock Clock, handle *Handle) {
	defer close(handle.done)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	var tickCount uint64
	var mu sync.Mutex

	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.C:
			mu.Lock()
			tickCount++
			count := tickCount
			mu.Unlock()

			snapshot, report := ExecuteCycle(cfg, count, clock.Now().UnixMilli())
			_ = PersistSnapshot(cfg, snapshot, report)
		}
	}
}
