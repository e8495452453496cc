package fullmac

import (
	"sync"
	"time"

	"github.com/wlanforge/fullmac/fweh"
)

// syncTimer is a one-shot deadline whose callback runs on the event
// dispatcher, serialized with event processing, so a timer firing and an
// event arriving for the same transition cannot interleave.
//
// Disarm cancels any fire that has not yet passed its generation check.
// A callback already executing may run to completion concurrently; every
// callback guards its state transitions with CAS, so late completion is
// harmless. Blocking until completion would self-deadlock when a callback
// disarms its own timer on the worker.
type syncTimer struct {
	disp *fweh.Dispatcher
	fn   func()

	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

func newSyncTimer(disp *fweh.Dispatcher, fn func()) *syncTimer {
	return &syncTimer{disp: disp, fn: fn}
}

// Arm schedules the callback after d, replacing any earlier deadline.
func (st *syncTimer) Arm(d time.Duration) {
	st.mu.Lock()
	st.gen++
	gen := st.gen
	if st.t != nil {
		st.t.Stop()
	}
	st.t = time.AfterFunc(d, func() { st.fire(gen) })
	st.mu.Unlock()
}

func (st *syncTimer) fire(gen uint64) {
	// Hop onto the dispatcher so the callback is ordered with events.
	st.disp.Defer(func() {
		st.mu.Lock()
		live := gen == st.gen
		st.mu.Unlock()
		if !live {
			return // Disarmed or re-armed since scheduling.
		}
		st.fn()
	})
}

// Disarm invalidates the pending deadline, if any.
func (st *syncTimer) Disarm() {
	st.mu.Lock()
	st.gen++
	if st.t != nil {
		st.t.Stop()
		st.t = nil
	}
	st.mu.Unlock()
}
