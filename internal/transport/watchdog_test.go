package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type watchRecorder struct {
	mu       sync.Mutex
	restarts int
	errs     []error
}

func (r *watchRecorder) restart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
}

func (r *watchRecorder) expire(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *watchRecorder) state() (int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts, append([]error(nil), r.errs...)
}

func newRecorded(canRestart bool) (*watchdog, *watchRecorder) {
	rec := &watchRecorder{}
	return newWatchdog(20*time.Millisecond, 40*time.Millisecond, canRestart, rec.restart, rec.expire), rec
}

func TestWatchdogRestartsOnceThenTimesOut(t *testing.T) {
	w, rec := newRecorded(true)
	w.start()
	w.start()

	require.Eventually(t, func() bool { _, errs := rec.state(); return len(errs) == 1 }, time.Second, time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	restarts, errs := rec.state()
	assert.Equal(t, 1, restarts)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrConnectTimeout)
	assert.True(t, w.Restarted())
}

func TestWatchdogConnectedInTime(t *testing.T) {
	w, rec := newRecorded(true)
	w.start()
	w.connected()

	time.Sleep(100 * time.Millisecond)
	restarts, errs := rec.state()
	assert.Zero(t, restarts)
	assert.Empty(t, errs)
}

func TestWatchdogConnectedAfterRestart(t *testing.T) {
	w, rec := newRecorded(true)
	w.start()
	require.Eventually(t, func() bool { r, _ := rec.state(); return r == 1 }, time.Second, time.Millisecond)
	w.connected()

	time.Sleep(100 * time.Millisecond)
	_, errs := rec.state()
	assert.Empty(t, errs)
}

func TestWatchdogAnswererNeverRestarts(t *testing.T) {
	w, rec := newRecorded(false)
	start := time.Now()
	w.start()

	require.Eventually(t, func() bool { _, errs := rec.state(); return len(errs) == 1 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "connect plus restart timeout")

	restarts, errs := rec.state()
	assert.Zero(t, restarts)
	assert.ErrorIs(t, errs[0], ErrConnectTimeout)
}

func TestWatchdogICEFailure(t *testing.T) {
	w, rec := newRecorded(true)
	w.start()

	w.iceFailed()
	require.Eventually(t, func() bool { r, _ := rec.state(); return r == 1 }, time.Second, time.Millisecond)

	w.iceFailed()
	require.Eventually(t, func() bool { _, errs := rec.state(); return len(errs) == 1 }, time.Second, time.Millisecond)
	_, errs := rec.state()
	assert.ErrorIs(t, errs[0], ErrICEFailed)

	w.iceFailed()
	time.Sleep(60 * time.Millisecond)
	restarts, errs := rec.state()
	assert.Equal(t, 1, restarts)
	assert.Len(t, errs, 1, "failure is reported once")
}

func TestWatchdogAnswererICEFailureAfterConnect(t *testing.T) {
	w, rec := newRecorded(false)
	w.start()
	w.connected()

	w.iceFailed()
	require.Eventually(t, func() bool { _, errs := rec.state(); return len(errs) == 1 }, time.Second, time.Millisecond)
	_, errs := rec.state()
	assert.ErrorIs(t, errs[0], ErrICEFailed)
}

func TestWatchdogStop(t *testing.T) {
	w, rec := newRecorded(true)
	w.start()
	w.stop()
	w.iceFailed()

	time.Sleep(100 * time.Millisecond)
	restarts, errs := rec.state()
	assert.Zero(t, restarts)
	assert.Empty(t, errs)
}
