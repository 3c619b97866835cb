package world

import (
	"context"
	"sync"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
)

// fakeFrames is a trivial monotonically-increasing frame source backed by
// real per-frame byte slices, enough to exercise address-space
// construction's in-place TSS/GDT/PTE writes without a real physical
// memory pool.
type fakeFrames struct {
	mu    sync.Mutex
	next  mm.MPN
	freed map[mm.MPN]bool
	pages map[mm.MPN][]byte
}

func newFakeFrames() *fakeFrames {
	return &fakeFrames{next: 1, freed: make(map[mm.MPN]bool), pages: make(map[mm.MPN][]byte)}
}

func (f *fakeFrames) Alloc(class platform.FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.next
	f.next++
	f.pages[m] = make([]byte, mm.PageSize)
	return m, nil
}

func (f *fakeFrames) AllocLarge(class platform.FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error) {
	return f.Alloc(class, nodeHint, colorHint, maxWait)
}

func (f *fakeFrames) Free(m mm.MPN) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freed[m] = true
}

func (f *fakeFrames) SetIOProtection(mpn mm.MPN, disable bool) {}

func (f *fakeFrames) Bytes(m mm.MPN) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.pages[m]; ok {
		return b
	}
	b := make([]byte, mm.PageSize)
	f.pages[m] = b
	return b
}

// fakeXMap hands back a fresh, never-reused VA range per Map call, backed
// by fakeFrames so Bytes resolves to real, mutable memory.
type fakeXMap struct {
	mu     sync.Mutex
	next   mm.VA
	frames *fakeFrames
	va2mpn map[mm.VA]mm.MPN
}

func newFakeXMap(frames *fakeFrames) *fakeXMap {
	return &fakeXMap{next: 0x10000000, frames: frames, va2mpn: make(map[mm.VA]mm.MPN)}
}

func (x *fakeXMap) Map(nPages int, ranges []platform.XMapRange) (mm.VA, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	base := x.next
	x.next += mm.VA(nPages+1) * mm.PageSize
	page := 0
	for _, r := range ranges {
		for i := 0; i < r.NMPNs && page < nPages; i++ {
			x.va2mpn[base+mm.VA(page)*mm.PageSize] = r.StartMPN + mm.MPN(i)
			page++
		}
	}
	return base, nil
}

func (x *fakeXMap) Unmap(nPages int, va mm.VA) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := 0; i < nPages; i++ {
		delete(x.va2mpn, va+mm.VA(i)*mm.PageSize)
	}
	return nil
}

func (x *fakeXMap) VA2MPN(va mm.VA) mm.MPN {
	x.mu.Lock()
	defer x.mu.Unlock()
	pageVA := va - (va % mm.PageSize)
	if mpn, ok := x.va2mpn[pageVA]; ok {
		return mpn
	}
	return mm.InvalidMPN
}

func (x *fakeXMap) Bytes(va mm.VA) []byte {
	mpn := x.VA2MPN(va)
	if !mpn.Valid() {
		return nil
	}
	off := int(va % mm.PageSize)
	return x.frames.Bytes(mpn)[off:]
}

// fakeScheduler is a no-op scheduler sufficient for driving Lifecycle
// without a real dispatcher: everything not explicitly tracked reports
// the value that lets call sites proceed rather than block forever.
type fakeScheduler struct {
	mu      sync.Mutex
	zombie  map[uint32]bool
	removed map[uint32]bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{zombie: make(map[uint32]bool), removed: make(map[uint32]bool)}
}

func (s *fakeScheduler) AddRunning(worldID uint32) {}

func (s *fakeScheduler) Remove(worldID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[worldID] = true
	return true
}

func (s *fakeScheduler) DisablePreemption() {}
func (s *fakeScheduler) RestorePreemption() {}

func (s *fakeScheduler) Wait(event uintptr, class platform.WaitClass, unlock func()) platform.CancelStatus {
	if unlock != nil {
		unlock()
	}
	return platform.NotCancelled
}

func (s *fakeScheduler) Wakeup(event uintptr) {}
func (s *fakeScheduler) ForceWakeup(worldID uint32) {}

func (s *fakeScheduler) Die() {}
func (s *fakeScheduler) Sleep(ms int) {}
func (s *fakeScheduler) IsSafeToBlock(worldID uint32) bool { return true }

func (s *fakeScheduler) setZombie(id uint32, z bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.zombie[id] = z
}

func (s *fakeScheduler) IsZombie(worldID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zombie[worldID]
}

// fakeHelpers runs requested work synchronously and inline, which is
// fine for tests since nothing here actually blocks.
type fakeHelpers struct{}

func (fakeHelpers) Request(queue string, fn func(arg any), arg any) error {
	fn(arg)
	return nil
}

// fakePoster records the last posted panic for assertions, and counts
// how many times PostPanic was called to verify the at-most-once
// guarantee.
type fakePoster struct {
	mu     sync.Mutex
	calls  int
	leader uint32
	msg    string
}

func (p *fakePoster) PostPanic(groupLeader uint32, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.leader = groupLeader
	p.msg = msg
}

func newTestLifecycle() *Lifecycle {
	frames := newFakeFrames()
	deps := AddrSpaceDeps{
		Frames:        frames,
		XMap:          newFakeXMap(frames),
		FirstPageDir:  1,
		NMIHandlerEIP: 0xFFFF0000,
	}
	return NewLifecycle(newFakeScheduler(), fakeHelpers{}, deps)
}
