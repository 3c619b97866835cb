package heapmgr

import (
	"context"
	"sync"
	"testing"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/spinlock"
)

type fakeFrames struct {
	mu   sync.Mutex
	next mm.MPN
	fail bool
	freedCount int
}

func (f *fakeFrames) Alloc(class platform.FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error) {
	return f.AllocLarge(class, nodeHint, colorHint, maxWait)
}

func (f *fakeFrames) AllocLarge(class platform.FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return mm.InvalidMPN, context.DeadlineExceeded
	}
	f.next++
	return f.next, nil
}

func (f *fakeFrames) Free(m mm.MPN) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freedCount++
}

func (f *fakeFrames) SetIOProtection(mm.MPN, bool) {}
func (f *fakeFrames) Bytes(mm.MPN) []byte          { return make([]byte, mm.PageSize) }

type fakeXMap struct {
	mu      sync.Mutex
	next    mm.VA
	unmaps  int
}

func newFakeXMap(base mm.VA) *fakeXMap { return &fakeXMap{next: base} }

func (x *fakeXMap) Map(nPages int, ranges []platform.XMapRange) (mm.VA, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	va := x.next
	x.next += mm.VA(nPages) * mm.PageSize
	return va, nil
}

func (x *fakeXMap) Unmap(nPages int, va mm.VA) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.unmaps++
	return nil
}

func (x *fakeXMap) VA2MPN(va mm.VA) mm.MPN { return mm.InvalidMPN }
func (x *fakeXMap) Bytes(va mm.VA) []byte  { return nil }

type syncHelpers struct{}

func (syncHelpers) Request(queue string, fn func(arg any), arg any) error {
	fn(arg)
	return nil
}

func TestRequestGrowsOnExhaustion(t *testing.T) {
	ctx := spinlock.NewLockContext()
	frames := &fakeFrames{}
	xmap := newFakeXMap(0x40000000)
	m := New(frames, xmap, syncHelpers{}, 0, mm.VPN(LargePageIndices)*mm.VPN(pagesPerChunk()), false)

	vpn, err := m.Request(ctx, ClassAny, 16)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	_ = vpn

	vpn2, err := m.Request(ctx, ClassAny, 16)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if vpn2 == vpn {
		t.Fatal("expected distinct allocations")
	}
}

func TestRequestOversizeIsBadParam(t *testing.T) {
	ctx := spinlock.NewLockContext()
	m := New(&fakeFrames{}, newFakeXMap(0), syncHelpers{}, 0, 0, false)
	if _, err := m.Request(ctx, ClassLow, MaxBufPages+1); err == nil {
		t.Fatal("expected bad_param for an oversized request")
	}
}

func TestGrowthFailureReturnsNoMemory(t *testing.T) {
	ctx := spinlock.NewLockContext()
	frames := &fakeFrames{fail: true}
	m := New(frames, newFakeXMap(0), syncHelpers{}, 0, 0, false)
	if _, err := m.Request(ctx, ClassLow, 16); err == nil {
		t.Fatal("expected no_memory when the frame source cannot grow the heap")
	}
}

func TestFreeArmsReleaseAboveThreshold(t *testing.T) {
	ctx := spinlock.NewLockContext()
	frames := &fakeFrames{}
	xmap := newFakeXMap(0x50000000)
	m := New(frames, xmap, syncHelpers{}, 0, mm.VPN(LargePageIndices)*mm.VPN(pagesPerChunk()), false)

	const chunks = 7 // 7 * 2 MiB > ReleaseBegin (12 MiB)
	vpns := make([]mm.VPN, chunks)
	for i := 0; i < chunks; i++ {
		vpn, err := m.Request(ctx, ClassAny, int(pagesPerChunk()))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		vpns[i] = vpn
	}
	for i := 0; i < chunks; i++ {
		if err := m.Free(ctx, ClassAny, vpns[i], int(pagesPerChunk())); err != nil {
			t.Fatalf("free %d: %v", i, err)
		}
	}

	// release runs synchronously through syncHelpers once armed, so by
	// the time Free returns the releaser has already run to completion.
	a := m.allocators[ClassAny]
	a.lock.Lock(ctx)
	freeBytes := a.freeBytes
	a.lock.Unlock(ctx)
	if freeBytes > ReleaseEnd {
		t.Fatalf("expected releaser to bring free bytes back down to <= ReleaseEnd, got %d", freeBytes)
	}
	if xmap.unmaps == 0 {
		t.Fatal("expected at least one chunk to be unmapped by the releaser")
	}
}
