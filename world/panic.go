package world

import (
	"log"

	"github.com/vmkforge/core/spinlock"
)

// VMXEventPoster is the external collaborator a panicking group posts
// its single VMKEVENT_PANIC to; the caller of AfterPanic supplies it.
// Neither simhost nor cmd/vmkboot implements it; the package tests use a
// fake.
type VMXEventPoster interface {
	PostPanic(groupLeader uint32, msg string)
}

// Panic implements spec.md §4.1's VMM panic: atomically transitions
// group.panicState from none to begin (only the first caller formats the
// message and records panickyWorld), then marks every group member
// deathPending and in-VMM-panic and requests a reschedule on their pcpu.
func (l *Lifecycle) Panic(ctx *spinlock.LockContext, w *Handle, msg string) {
	g := w.Group
	if g == nil {
		return
	}

	g.mu.Lock()
	won := g.PanicState == PanicNone
	if won {
		g.PanicState = PanicBegin
		g.PanickyWorld = w.WorldID
		g.PanicMsg = msg
	}
	members := append([]uint32(nil), g.Members[:g.MemberCount]...)
	g.mu.Unlock()

	if !won {
		return
	}

	for _, id := range members {
		if member, err := l.Table.Find(ctx, id); err == nil {
			member.mu.Lock()
			member.DeathPending = true
			if member.VMM != nil {
				member.VMM.InPanic = true
			}
			member.mu.Unlock()
			l.Sched.ForceWakeup(id)
			l.Table.Release(ctx, member, true)
		}
	}
}

// AfterPanic implements spec.md §4.1's after_panic: runs when w (a
// member of a panicking group) has been permanently switched out. It
// logs backtraces of all group members, then atomically transitions
// panicState from begin to vmxpost; the winner posts exactly one
// VMKEVENT_PANIC to poster and frees the panic message.
func (l *Lifecycle) AfterPanic(ctx *spinlock.LockContext, w *Handle, poster VMXEventPoster) {
	g := w.Group
	if g == nil {
		return
	}

	g.mu.Lock()
	members := append([]uint32(nil), g.Members[:g.MemberCount]...)
	g.mu.Unlock()
	for _, id := range members {
		log.Printf("world: group %d member %d backtrace unavailable in core (owned by scheduler)", g.LeaderID, id)
	}

	g.mu.Lock()
	won := g.PanicState == PanicBegin
	var msg string
	var leader uint32
	if won {
		if g.panicPostedAt >= 1 {
			g.mu.Unlock()
			panic("world: VMKEVENT_PANIC posted more than once for group")
		}
		g.PanicState = PanicVMXPost
		g.panicPostedAt++
		msg = g.PanicMsg
		leader = g.LeaderID
		g.PanicMsg = ""
	}
	g.mu.Unlock()

	if !won {
		return
	}
	poster.PostPanic(leader, msg)
}
