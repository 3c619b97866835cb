package world

import (
	"time"

	"github.com/vmkforge/core/spinlock"
)

// ScheduleReap implements spec.md §4.1's schedule_reap: enqueues a timer
// callback with delay 0 the first time, ReapRetryTimeMS otherwise.
func (l *Lifecycle) ScheduleReap(id uint32, firstTime bool) {
	delay := time.Duration(ReapRetryTimeMS) * time.Millisecond
	if firstTime {
		delay = 0
	}
	time.AfterFunc(delay, func() { l.reapCallback(id) })
}

// reapCallback implements spec.md §4.1's reap_callback: looks up the
// world, marks it reapScheduled under the world lock, then hands off to
// the external helper queue to run the reaper. Reap work is dispatched
// through the helper queue (never run inline) because the reaper itself
// may block.
func (l *Lifecycle) reapCallback(id uint32) {
	ctx := spinlock.NewLockContext()
	h, err := l.Table.FindNoRef(ctx, id)
	if err != nil {
		return
	}
	defer l.Table.Release(ctx, h, false)

	h.mu.Lock()
	if h.ReapStarted {
		h.mu.Unlock()
		return
	}
	h.ReapScheduled = true
	h.mu.Unlock()

	_ = l.Helpers.Request("reap", func(arg any) {
		l.reaper(arg.(*Handle))
	}, h)
}

// reaper implements spec.md §4.1's reaper: runs pre-cleanup hooks
// unconditionally on the first call, then rechecks whether it's actually
// safe to finish tearing down, re-arming the retry timer if not.
func (l *Lifecycle) reaper(h *Handle) {
	ctx := spinlock.NewLockContext()

	h.mu.Lock()
	firstCall := h.ReapCalls == 0
	h.ReapCalls++
	h.mu.Unlock()

	if firstCall {
		for _, fn := range l.preCleanup {
			fn(h)
		}
	}

	h.mu.Lock()
	busy := h.ReaderCount > 0 || h.HostCount > 0 || !l.scsiDrained(h) || !l.Sched.IsZombie(h.WorldID)
	if busy {
		h.ReapScheduled = false
		id := h.WorldID
		h.mu.Unlock()
		l.ScheduleReap(id, false)
		return
	}
	h.ReapStarted = true
	id := h.WorldID
	h.mu.Unlock()

	runCleanupTable(h)

	l.Table.lock.Lock(ctx)
	h.mu.Lock()
	h.InUse = false
	h.RefCount = 0
	h.ReaderCount = 0
	h.HostCount = 0
	h.mu.Unlock()
	l.Table.lock.Unlock(ctx)

	l.Sched.Wakeup(uintptr(id))
}

// scsiDrained reports whether the world's outstanding SCSI handles (an
// external collaborator the core only polls, never owns) have drained,
// capped at SCSIReapRetries polls per spec.md §4.1 reaper step 2. This
// core has no SCSI module to consult, so it always reports drained; a
// real integration replaces this with a poll of the external SCSI queue.
func (l *Lifecycle) scsiDrained(h *Handle) bool {
	return true
}
