package simhost

import (
	"sync"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/vmkerr"
)

// XMapTable is a platform.XMap: it reserves a bump-allocated run of VAs
// from a fixed kernel-virtual window and records which MPN backs each
// page, so VA2MPN and FramePool.Bytes together give real, readable memory
// at a VA a caller has been handed.
type XMapTable struct {
	mu      sync.Mutex
	frames  *FramePool
	nextVA  mm.VA
	limitVA mm.VA
	va2mpn  map[mm.VA]mm.MPN
}

// NewXMapTable reserves [baseVA, baseVA+windowPages*PageSize) as the
// kernel-virtual window every Map call draws from.
func NewXMapTable(frames *FramePool, baseVA mm.VA, windowPages int) *XMapTable {
	return &XMapTable{
		frames:  frames,
		nextVA:  baseVA,
		limitVA: baseVA + mm.VA(windowPages)*mm.PageSize,
		va2mpn:  map[mm.VA]mm.MPN{},
	}
}

func (x *XMapTable) Map(nPages int, ranges []platform.XMapRange) (mm.VA, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	need := mm.VA(nPages) * mm.PageSize
	if x.nextVA+need > x.limitVA {
		return 0, vmkerr.New(vmkerr.NoAddressSpace, "simhost: kernel-virtual window exhausted requesting %d pages", nPages)
	}
	base := x.nextVA
	x.nextVA += need

	page := 0
	for _, r := range ranges {
		for i := 0; i < r.NMPNs && page < nPages; i++ {
			va := base + mm.VA(page)*mm.PageSize
			x.va2mpn[va] = r.StartMPN + mm.MPN(i)
			page++
		}
	}
	return base, nil
}

func (x *XMapTable) Unmap(nPages int, va mm.VA) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i := 0; i < nPages; i++ {
		delete(x.va2mpn, va+mm.VA(i)*mm.PageSize)
	}
	return nil
}

func (x *XMapTable) VA2MPN(va mm.VA) mm.MPN {
	x.mu.Lock()
	defer x.mu.Unlock()
	pageVA := va - (va % mm.PageSize)
	if mpn, ok := x.va2mpn[pageVA]; ok {
		return mpn
	}
	return mm.InvalidMPN
}

// Bytes resolves va all the way down to the real memory FramePool backs
// it with, for callers that want to read/write mapped contents.
func (x *XMapTable) Bytes(va mm.VA) []byte {
	mpn := x.VA2MPN(va)
	if !mpn.Valid() {
		return nil
	}
	off := int(va % mm.PageSize)
	return x.frames.Bytes(mpn)[off:]
}
