// Package heapmgr implements spec.md component D: two buddy-backed
// kernel heaps ("low" and "any"), grown in 2 MiB physical chunks and
// shrunk by a background releaser bottom half. World stacks, per-world
// GDTs and group heaps are not allocated from these heaps; they come from
// the frame source, XMap and GroupHeap directly.
package heapmgr

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vmkforge/core/buddy"
	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/spinlock"
	"github.com/vmkforge/core/vmkerr"
)

// Sizing constants from spec.md §4.4.
const (
	MinBufSize     = 64 * 1024
	MaxBufSize     = 2 * 1024 * 1024
	MaxBufPages    = MaxBufSize / mm.PageSize
	LargePageIndices = 1 << 14 // number of 2 MiB slots covering the modeled kernel virtual range
	ReleaseBegin   = 12 * 1024 * 1024
	ReleaseEnd     = 8 * 1024 * 1024
)

// slotState is the tri-state spec.md §3/P6 describes for each 2 MiB
// slot: never seen by the buddy allocator, currently buddy-managed, or
// unmapped and handed back to the physical page source.
type slotState int

const (
	slotNeverSeen slotState = iota
	slotManaged
	slotReleased
)

// Class distinguishes the two kernel heaps.
type Class int

const (
	ClassLow Class = iota
	ClassAny
)

func (c Class) String() string {
	if c == ClassLow {
		return "low"
	}
	return "any"
}

// allocatorState is one HeapMgrAllocator (spec.md §3).
type allocatorState struct {
	lock    *spinlock.Spinlock
	class   Class
	buddy   *buddy.Allocator
	slots   []slotState // indexed by (VPN-of-chunk-base / pagesPerChunk)
	slotMPN []mm.MPN    // the MPN backing each managed/released slot's chunk, for release
	baseVPN mm.VPN

	freeBytes       int
	releaseArmed    bool
}

// Manager owns the low and any allocators plus the external collaborators
// (frame source, XMap, helper queue) growth and release need.
type Manager struct {
	frames  platform.FrameSource
	xmap    platform.XMap
	helpers platform.HelperQueue
	debug   bool

	allocators [2]*allocatorState

	relLock *spinlock.Spinlock
}

// New builds a Manager with empty low/any heaps. lowBaseVPN and anyBaseVPN
// are recorded but do not place chunks: each chunk lives at the VA XMap
// returns for it, and its slot is that VA's chunk number.
func New(frames platform.FrameSource, xmap platform.XMap, helpers platform.HelperQueue, lowBaseVPN, anyBaseVPN mm.VPN, debug bool) *Manager {
	m := &Manager{
		frames:  frames,
		xmap:    xmap,
		helpers: helpers,
		debug:   debug,
		relLock: spinlock.New("releaseSched", spinlock.RankReleaseSchedul),
	}
	m.allocators[ClassLow] = &allocatorState{
		lock: spinlock.New("heapLow", spinlock.RankHeapMgr), class: ClassLow,
		buddy: buddy.New(), baseVPN: lowBaseVPN,
		slots: make([]slotState, LargePageIndices), slotMPN: make([]mm.MPN, LargePageIndices),
	}
	m.allocators[ClassAny] = &allocatorState{
		lock: spinlock.New("heapAny", spinlock.RankHeapMgr), class: ClassAny,
		buddy: buddy.New(), baseVPN: anyBaseVPN,
		slots: make([]slotState, LargePageIndices), slotMPN: make([]mm.MPN, LargePageIndices),
	}
	return m
}

func pagesPerChunk() uint32 { return mm.LargePageSize / mm.PageSize }

func (m *Manager) frameClassFor(c Class) platform.FrameClass {
	if c == ClassLow {
		return platform.ClassLow
	}
	return platform.ClassAny
}

// Request implements spec.md §4.4's request_any/request_low: allocates
// pages 4 KiB pages from the class's buddy allocator, growing it with a
// fresh 2 MiB chunk on exhaustion.
func (m *Manager) Request(ctx *spinlock.LockContext, class Class, pages int) (mm.VPN, error) {
	if pages > MaxBufPages {
		return 0, vmkerr.New(vmkerr.BadParam, "heapmgr: request for %d pages exceeds MaxBufPages", pages)
	}
	if m.debug {
		pages++ // guard page
	}

	a := m.allocators[class]
	a.lock.Lock(ctx)
	defer a.lock.Unlock(ctx)

	start, err := a.buddy.Allocate(uint32(pages))
	if err != nil {
		if growErr := m.addMem(a, false); growErr != nil {
			return 0, growErr
		}
		start, err = a.buddy.Allocate(uint32(pages))
		if err != nil {
			return 0, vmkerr.New(vmkerr.NoMemory, "heapmgr: %s heap exhausted after growth: %v", class, err)
		}
	}
	return mm.VPN(start), nil
}

// addMem implements spec.md §4.4's add_mem: allocates one 2 MiB chunk
// via the frame source of this allocator's class, maps it through XMap,
// and either creates the buddy's first range (first chunk ever) or
// hot-adds to it (every subsequent chunk). The covering slot's tri-state
// bit flips never-seen -> managed.
//
// The real vmkernel reuses the same fixed kernel-virtual slot across a
// release/re-add cycle, letting it skip the hot-add and just buddy.free
// the already-known range. This core's XMap contract only ever hands
// back a freshly chosen VA, so a re-added chunk is modeled as a fresh
// hot-add at a new VA instead; the slots[] tri-state still accurately
// tracks the never-seen/managed/released tri-state for every slot that
// was ever touched.
func (m *Manager) addMem(a *allocatorState, initial bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	mpn, err := m.frames.AllocLarge(m.frameClassFor(a.class), 0, 0, ctx)
	if err != nil || !mpn.Valid() {
		return vmkerr.New(vmkerr.NoMemory, "heapmgr: %s heap could not acquire a large page: %v", a.class, err)
	}

	va, err := m.xmap.Map(int(pagesPerChunk()), []platform.XMapRange{{StartMPN: mpn, NMPNs: int(pagesPerChunk())}})
	if err != nil {
		m.frames.Free(mpn)
		return vmkerr.New(vmkerr.NoAddressSpace, "heapmgr: mapping new %s chunk: %v", a.class, err)
	}
	vpn := mm.VA2VPN(va)
	slot := m.slotIndex(a, vpn)
	if slot < 0 || slot >= len(a.slots) {
		return vmkerr.New(vmkerr.NoResources, "heapmgr: chunk VPN outside managed slot range")
	}
	first := a.isEmpty()
	a.slots[slot] = slotManaged
	a.slotMPN[slot] = mpn

	if first {
		a.buddy = buddy.NewWithRange(uint32(vpn), pagesPerChunk())
	} else {
		a.buddy.HotAddRange(pagesPerChunk())
	}
	return nil
}

func (a *allocatorState) isEmpty() bool {
	for _, s := range a.slots {
		if s != slotNeverSeen {
			return false
		}
	}
	return true
}

func (m *Manager) slotIndex(a *allocatorState, vpn mm.VPN) int {
	return int(vpn / mm.VPN(pagesPerChunk()))
}

// Free implements spec.md §4.4's free path: returns the region to the
// buddy allocator, then arms the release bottom half if free memory now
// exceeds ReleaseBegin.
func (m *Manager) Free(ctx *spinlock.LockContext, class Class, vpn mm.VPN, pages int) error {
	a := m.allocators[class]
	a.lock.Lock(ctx)
	if m.debug {
		pages++
	}
	if err := a.buddy.Free(uint32(vpn)); err != nil {
		a.lock.Unlock(ctx)
		return err
	}
	a.freeBytes += pages * mm.PageSize
	shouldArm := a.freeBytes > ReleaseBegin && !a.releaseArmed
	if shouldArm {
		a.releaseArmed = true
	}
	a.lock.Unlock(ctx)

	if shouldArm {
		m.scheduleRelease(class)
	}
	return nil
}

// scheduleRelease requests the helper queue to run the releaser; kept
// out of the free path itself since both XMap_Unmap and enqueueing
// helper work can block, and HeapMgrFreeMem must not.
func (m *Manager) scheduleRelease(class Class) {
	_ = m.helpers.Request("heapmgr-release", func(arg any) {
		m.release(arg.(Class))
	}, class)
}

// release implements spec.md §4.4's releaser: repeatedly pulls a full
// 2 MiB chunk out of the buddy allocator while free space still exceeds
// ReleaseEnd, marks its slot released, unmaps it, and frees the backing
// physical pages.
func (m *Manager) release(class Class) {
	ctx := spinlock.NewLockContext()
	a := m.allocators[class]

	for {
		a.lock.Lock(ctx)
		if a.freeBytes <= ReleaseEnd {
			a.releaseArmed = false
			a.lock.Unlock(ctx)
			return
		}
		start, err := a.buddy.Allocate(pagesPerChunk())
		if err != nil {
			a.releaseArmed = false
			a.lock.Unlock(ctx)
			return
		}
		slot := m.slotIndex(a, mm.VPN(start))
		var mpn mm.MPN
		if slot >= 0 && slot < len(a.slots) {
			a.slots[slot] = slotReleased
			mpn = a.slotMPN[slot]
		}
		a.freeBytes -= int(pagesPerChunk()) * mm.PageSize
		a.lock.Unlock(ctx)

		va := mm.VPN2VA(mm.VPN(start))
		if err := m.xmap.Unmap(int(pagesPerChunk()), va); err != nil {
			log.Printf("heapmgr: unmap of released %s chunk at vpn %d failed: %v", class, start, err)
		}
		if mpn.Valid() {
			m.frames.Free(mpn)
		}
	}
}
