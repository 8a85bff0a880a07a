package memory

import (
	"context"
	"sync"
	"time"
)

// DecayWorker drives periodic importance decay and auto-pruning on a
// manager. The host owns the worker's lifecycle: either Start a
// background ticker or call RunOnce from its own scheduler.
type DecayWorker struct {
	mgr      *Manager
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDecayWorker creates a decay worker. interval <= 0 defaults to one
// hour.
func NewDecayWorker(mgr *Manager, interval time.Duration) *DecayWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DecayWorker{
		mgr:      mgr,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic decay loop. Call Stop to terminate.
func (w *DecayWorker) Start() {
	go w.run()
}

// Stop terminates the decay worker. Safe to call more than once.
func (w *DecayWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *DecayWorker) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			w.mgr.ApplyDecay(ctx)
			w.mgr.Flush(ctx)
			cancel()
		}
	}
}

// RunOnce executes a single decay pass immediately.
func (w *DecayWorker) RunOnce(ctx context.Context) {
	w.mgr.ApplyDecay(ctx)
	w.mgr.Flush(ctx)
}
