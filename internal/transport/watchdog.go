package transport

import (
	"sync"
	"time"
)

// watchdog bounds how long a link may take to connect. The offering side
// gets exactly one ICE restart: when ConnectTimeout passes, or ICE fails
// first, restart runs and RestartTimeout is armed. The answering side never
// restarts and gives up after ConnectTimeout+RestartTimeout.
type watchdog struct {
	connectTimeout time.Duration
	restartTimeout time.Duration
	canRestart     bool

	restart func()
	expire  func(err error)

	mu        sync.Mutex
	timer     *time.Timer
	gen       int
	started   bool
	restarted bool
	done      bool
}

func newWatchdog(connect, restart time.Duration, canRestart bool, onRestart func(), onExpire func(error)) *watchdog {
	return &watchdog{
		connectTimeout: connect,
		restartTimeout: restart,
		canRestart:     canRestart,
		restart:        onRestart,
		expire:         onExpire,
	}
}

// start arms the connect deadline once local gathering finished. Later
// calls are no-ops.
func (w *watchdog) start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.done {
		return
	}
	w.started = true

	d := w.connectTimeout
	if !w.canRestart {
		d += w.restartTimeout
	}
	w.arm(d, ErrConnectTimeout)
}

// connected disarms the deadline. A restart already used stays used.
func (w *watchdog) connected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// iceFailed reacts to ICE reporting failure: the offering side restarts
// early if it still can, otherwise the link has failed. The answering side
// waits RestartTimeout for the offerer's restart if no deadline is pending.
func (w *watchdog) iceFailed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.started = true

	switch {
	case w.canRestart && !w.restarted:
		w.beginRestart()
	case w.canRestart:
		w.finish(ErrICEFailed)
	case w.timer == nil:
		w.arm(w.restartTimeout, ErrICEFailed)
	}
}

// stop disarms the watchdog for good.
func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Restarted reports whether the one restart was used.
func (w *watchdog) Restarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restarted
}

// arm replaces the pending deadline. Callers hold mu.
func (w *watchdog) arm(d time.Duration, err error) {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(d, func() { w.elapsed(gen, err) })
}

func (w *watchdog) elapsed(gen int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done || w.gen != gen || w.timer == nil {
		return
	}
	w.timer = nil
	if w.canRestart && !w.restarted {
		w.beginRestart()
		return
	}
	w.finish(err)
}

// beginRestart uses the restart and arms RestartTimeout. Callers hold mu.
func (w *watchdog) beginRestart() {
	w.restarted = true
	w.arm(w.restartTimeout, ErrConnectTimeout)
	if w.restart != nil {
		go w.restart()
	}
}

// finish reports the failure once. Callers hold mu.
func (w *watchdog) finish(err error) {
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if w.expire != nil {
		go w.expire(err)
	}
}
