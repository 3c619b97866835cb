package world

import (
	"time"

	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/spinlock"
	"github.com/vmkforge/core/vmkerr"
)

// Lifecycle wires the world table, group registry, and the external
// scheduler/helper-queue collaborators together to implement spec.md
// §4.1's kill/group_kill/exit/release_and_wait_for_death/destroy
// operations and the reap pipeline in reap.go.
type Lifecycle struct {
	Table   *Table
	Groups  *groupRegistry
	Sched   platform.Scheduler
	Helpers platform.HelperQueue
	AddrDeps AddrSpaceDeps

	names namesRegistry

	// preCleanup runs once, unconditionally, the first time a world's
	// reaper executes (spec.md §4.1 reaper step 1) — e.g. net/conduit
	// teardown hooks external modules register.
	preCleanup []func(*Handle)
}

// NewLifecycle builds a Lifecycle over a fresh table and group registry.
func NewLifecycle(sched platform.Scheduler, helpers platform.HelperQueue, addrDeps AddrSpaceDeps) *Lifecycle {
	return &Lifecycle{
		Table:    NewTable(),
		Groups:   newGroupRegistry(),
		Sched:    sched,
		Helpers:  helpers,
		AddrDeps: addrDeps,
		names:    namesRegistry{used: make(map[string]uint32)},
	}
}

// Create implements the world-type dispatch half of spec.md §4.1's
// create: selects the module table for args.Flags and drives Table.Create
// through it.
func (l *Lifecycle) Create(ctx *spinlock.LockContext, args *InitArgs) (*Handle, error) {
	return l.Table.Create(ctx, args, l.tableFor)
}

// RegisterPreCleanup adds a hook the reaper runs unconditionally on its
// first invocation for every world, before checking whether it's safe to
// finish tearing down.
func (l *Lifecycle) RegisterPreCleanup(fn func(*Handle)) {
	l.preCleanup = append(l.preCleanup, fn)
}

// Kill implements spec.md §4.1's kill: sets deathPending and escalates
// through NICE → DEMAND → UNCONDITIONAL. A world that was never
// scheduled is promoted straight to UNCONDITIONAL since there is no
// running context to cooperatively unwind. Idempotent: killLevel never
// regresses (P9).
func (l *Lifecycle) Kill(ctx *spinlock.LockContext, h *Handle) {
	h.mu.Lock()
	if h.ReapStarted {
		h.mu.Unlock()
		return
	}
	h.DeathPending = true
	neverScheduled := h.neverScheduled
	if h.KillLevel < KillNice {
		h.KillLevel = KillNice
	}
	level := h.KillLevel
	id := h.WorldID
	h.mu.Unlock()

	if neverScheduled {
		l.promote(h, KillUnconditional)
		l.Sched.ForceWakeup(id)
		l.ScheduleReap(id, true)
		return
	}

	if level == KillNice {
		time.AfterFunc(WorldKillTimeoutSec*time.Second, func() {
			l.promote(h, KillDemand)
			l.Sched.ForceWakeup(id)
		})
	}
}

// promote advances h.KillLevel to at least level, never regressing it.
func (l *Lifecycle) promote(h *Handle, level KillLevel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ReapStarted {
		return
	}
	if level == KillUnconditional {
		if !l.Sched.Remove(h.WorldID) {
			// Assumed running; it will be reaped as soon as it
			// deschedules (spec.md §5 cancellation).
		}
	}
	if h.KillLevel < level {
		h.KillLevel = level
	}
}

// GroupKill implements spec.md §4.1's group_kill: destroy-all-VMM-members
// for VMM leaders, cartel-kill for USER leaders, plain Kill for
// singletons.
func (l *Lifecycle) GroupKill(ctx *spinlock.LockContext, h *Handle) {
	h.mu.Lock()
	g := h.Group
	isVMMLeader := h.TypeFlags.Has(FlagVMM) && g != nil && g.VMMLeader == h.WorldID
	isUserLeader := h.TypeFlags.Has(FlagUser) && g != nil && g.LeaderID == h.WorldID
	h.mu.Unlock()

	if g == nil || (!isVMMLeader && !isUserLeader) {
		l.Kill(ctx, h)
		return
	}

	var members []uint32
	if isVMMLeader {
		g.mu.Lock()
		members = append(members, g.Members[:g.MemberCount]...)
		g.mu.Unlock()
	} else {
		// members[] only lists VMM/TEST worlds, so a cartel is found by
		// scanning the table for worlds sharing this group.
		l.Table.ForEachInUse(ctx, func(m *Handle) {
			m.mu.Lock()
			if m.Group == g {
				members = append(members, m.WorldID)
			}
			m.mu.Unlock()
		})
	}

	for _, id := range members {
		if member, err := l.Table.Find(ctx, id); err == nil {
			if isVMMLeader {
				l.Destroy(ctx, member, true)
			} else {
				l.Kill(ctx, member)
			}
			l.Table.Release(ctx, member, true)
		}
	}
}

// Exit implements spec.md §4.1's exit: the current world records its
// exit status, schedules a reap, and calls into the scheduler's die.
// Matches the real vmkernel contract of never returning.
func (l *Lifecycle) Exit(h *Handle, status error) {
	h.mu.Lock()
	h.ExitStatus = status
	id := h.WorldID
	h.mu.Unlock()

	l.ScheduleReap(id, true)
	l.Sched.Die()
}

// Destroy implements spec.md §4.1's destroy: for a VMM world it
// decrements (or, if clearHostCount, zeros) hostCount and only
// transitions to kill once it reaches zero; non-VMM worlds transition to
// kill unconditionally.
func (l *Lifecycle) Destroy(ctx *spinlock.LockContext, h *Handle, clearHostCount bool) {
	h.mu.Lock()
	if h.TypeFlags.Has(FlagVMM) {
		if clearHostCount {
			h.HostCount = 0
		} else if h.HostCount > 0 {
			h.HostCount--
		}
		if h.HostCount > 0 {
			h.mu.Unlock()
			return
		}
	}
	h.mu.Unlock()
	l.Kill(ctx, h)
}

// ReleaseAndWaitForDeath drops the caller's reference on h and blocks on
// the world-death event for h.WorldID until the slot is no longer InUse.
func (l *Lifecycle) ReleaseAndWaitForDeath(ctx *spinlock.LockContext, h *Handle, asReader bool) error {
	id := h.WorldID
	l.Table.Release(ctx, h, asReader)

	for {
		h.mu.Lock()
		stillInUse := h.InUse && h.WorldID == id
		h.mu.Unlock()
		if !stillInUse {
			return nil
		}
		status := l.Sched.Wait(uintptr(id), platform.WaitClassWorldDeath, func() {})
		if status == platform.Cancelled {
			return vmkerr.New(vmkerr.DeathPending, "wait for death of world %d cancelled", id)
		}
	}
}
