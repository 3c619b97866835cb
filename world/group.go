package world

import (
	"sync"

	"github.com/vmkforge/core/spinlock"
	"github.com/vmkforge/core/vmkerr"
)

// lockCtx is the per-caller rank-ordering context Table's lock-taking
// methods expect; an alias so this file doesn't need to repeat the
// package-qualified name everywhere.
type lockCtx = *spinlock.LockContext

// groupRegistry is the minimal directory mapping a leader world id to its
// GroupInfo, so group_init can find-or-create by leader id without adding
// a dependency from GroupInfo back to Table. One registry is shared by a
// Table's caller (see Lifecycle in lifecycle.go).
type groupRegistry struct {
	mu     sync.Mutex
	groups map[uint32]*GroupInfo
}

func newGroupRegistry() *groupRegistry {
	return &groupRegistry{groups: make(map[uint32]*GroupInfo)}
}

// GroupInit implements spec.md §4.1's group_init: either creates a new
// group (groupLeader == 0, the DEFAULT sentinel) owned by w, or joins the
// existing group for the given leader id. For VMM/TEST worlds it appends
// w to members[], and either becomes the group's vmmLeader (first VMM
// member) or takes an extra reader count pin on the existing vmmLeader.
func (r *groupRegistry) GroupInit(t *Table, ctx lockCtx, w *Handle, groupLeader uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var g *GroupInfo
	if groupLeader == 0 {
		g = &GroupInfo{LeaderID: w.WorldID, Heap: NewGroupHeap()}
		r.groups[w.WorldID] = g
	} else {
		var ok bool
		g, ok = r.groups[groupLeader]
		if !ok {
			return vmkerr.New(vmkerr.NotFound, "group leader %d not found", groupLeader)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.MemberCount++

	if w.TypeFlags.Has(FlagVMM) || w.TypeFlags.Has(FlagTest) {
		if g.MemberCount-1 >= len(g.Members) {
			g.MemberCount--
			return vmkerr.New(vmkerr.LimitExceeded, "group %d already has %d members", g.LeaderID, len(g.Members))
		}
		g.Members[g.MemberCount-1] = w.WorldID

		if w.TypeFlags.Has(FlagVMM) {
			if g.VMMLeader == 0 {
				g.VMMLeader = w.WorldID
			} else {
				if err := pinReader(t, ctx, g.VMMLeader); err != nil {
					g.MemberCount--
					return err
				}
			}
		}
	}

	w.Group = g
	return nil
}

// GroupCleanup implements spec.md §4.1's group_cleanup: drops w's extra
// reader-count pin on the group's vmmLeader if w was a non-leader VMM
// member, decrements memberCount, and when it reaches zero removes the
// group and destroys its heap.
func (r *groupRegistry) GroupCleanup(t *Table, ctx lockCtx, w *Handle) {
	g := w.Group
	if g == nil {
		return
	}

	if w.TypeFlags.Has(FlagVMM) && g.VMMLeader != 0 && g.VMMLeader != w.WorldID {
		unpinReader(t, ctx, g.VMMLeader)
	}

	g.mu.Lock()
	g.MemberCount--
	empty := g.MemberCount == 0
	leaderID := g.LeaderID
	g.mu.Unlock()

	if empty {
		r.mu.Lock()
		delete(r.groups, leaderID)
		r.mu.Unlock()
		// Heap is garbage-collected with g; nothing to explicitly release
		// beyond dropping the map entry above (mirrors the teacher's
		// habit of letting device-state structs fall out of scope rather
		// than hand-rolled pool recycling).
	}
	w.Group = nil
}

func pinReader(t *Table, ctx lockCtx, id uint32) error {
	_, err := t.Find(ctx, id)
	return err
}

func unpinReader(t *Table, ctx lockCtx, id uint32) {
	h, err := t.Find(ctx, id)
	if err != nil {
		return
	}
	// Find itself pinned one reader; release that one plus the pin this
	// call is meant to drop.
	t.Release(ctx, h, true)
	t.Release(ctx, h, true)
}
