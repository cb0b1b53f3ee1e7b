package runtime

import (
	"log/slog"
	"sync"
	"time"
)

// timeoutController owns the single pending timer of a cooperative run.
// Prolong and onTimeout extensions always replace the timer, so the latest
// call wins and exactly one timer exists at any moment.
type timeoutController struct {
	log     *slog.Logger
	jobID   int64
	base    time.Duration // original timeout, the default prolong duration
	refresh func()        // fire-and-forget lease refresh

	mu       sync.Mutex
	timer    *time.Timer
	cb       func() time.Duration
	stopped  bool
	timedOut chan struct{}
}

func newTimeoutController(jobID int64, base time.Duration, refresh func(), log *slog.Logger) *timeoutController {
	tc := &timeoutController{
		log:      log,
		jobID:    jobID,
		base:     base,
		refresh:  refresh,
		timedOut: make(chan struct{}),
	}
	tc.mu.Lock()
	tc.timer = time.AfterFunc(base, tc.fire)
	tc.mu.Unlock()
	return tc
}

// prolong re-arms the timer from now. Zero or negative d means the original
// timeout. The lease refresh runs regardless so a slow store cannot stall
// the handler.
func (tc *timeoutController) prolong(d time.Duration) {
	if d <= 0 {
		d = tc.base
	}
	tc.mu.Lock()
	if !tc.stopped {
		tc.timer.Stop()
		tc.timer = time.AfterFunc(d, tc.fire)
	}
	tc.mu.Unlock()
	go tc.refresh()
}

// onTimeout registers the reactive callback. Only one callback is kept; a
// later registration replaces the earlier one.
func (tc *timeoutController) onTimeout(cb func() time.Duration) {
	tc.mu.Lock()
	tc.cb = cb
	tc.mu.Unlock()
}

// stop disarms the controller when the handler finishes first.
func (tc *timeoutController) stop() {
	tc.mu.Lock()
	tc.stopped = true
	if tc.timer != nil {
		tc.timer.Stop()
	}
	tc.mu.Unlock()
}

func (tc *timeoutController) fire() {
	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return
	}
	cb := tc.cb
	tc.mu.Unlock()

	if cb != nil {
		if ext := tc.invoke(cb); ext > 0 {
			tc.mu.Lock()
			if tc.stopped {
				tc.mu.Unlock()
				return
			}
			tc.timer = time.AfterFunc(ext, tc.fire)
			tc.mu.Unlock()
			go tc.refresh()
			return
		}
	}

	tc.mu.Lock()
	tc.stopped = true
	tc.mu.Unlock()
	close(tc.timedOut)
}

// invoke runs the callback, treating a panic as "no extension".
func (tc *timeoutController) invoke(cb func() time.Duration) (ext time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			tc.log.Error("onTimeout callback panicked", "job_id", tc.jobID, "panic", r)
			ext = 0
		}
	}()
	return cb()
}
