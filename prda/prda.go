// Package prda implements spec.md component G: the per-pcpu data region.
// Each pcpu gets one physical page. Content: pcpu number, current world,
// and interrupt/preemption nesting counters, reached through Region.Get;
// the IDT and spinlock packages do not read them. Each world's address
// space maps a PRDA page at a VA XMap picks for that world, so the VA is
// not the same across address spaces.
package prda

import (
	"context"
	"time"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/vmkerr"
)

// Data is the per-pcpu record mapped into every address space.
type Data struct {
	PCPUNum           int
	CurrentWorldID    uint32
	InInterruptHandler bool
	InterruptDepth    int
	PreemptionDisabled int
	IdleWorldID       uint32
}

// Region owns the constructed per-pcpu pages. World address-space
// construction maps the page named by world.AddrSpaceDeps.PRDAMPN at a
// per-world VA (AddrSpace.PRDAMappedVA), not at Region.VA.
type Region struct {
	frames platform.FrameSource
	xmap   platform.XMap

	va    mm.VA
	mpns  []mm.MPN
	pages []*Data
}

// New allocates one page per pcpu, returning a Region whose Get indexes by
// pcpu number. Only pcpu 0's page is mapped through XMap; Region.VA
// returns that mapping's address.
func New(frames platform.FrameSource, xmap platform.XMap, numPCPUs int) (*Region, error) {
	r := &Region{frames: frames, xmap: xmap, mpns: make([]mm.MPN, numPCPUs), pages: make([]*Data, numPCPUs)}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for p := 0; p < numPCPUs; p++ {
		mpn, err := frames.Alloc(platform.ClassAny, 0, 0, ctx)
		if err != nil || !mpn.Valid() {
			r.teardown(p)
			return nil, vmkerr.New(vmkerr.NoMemory, "prda: allocating pcpu %d's page: %v", p, err)
		}
		r.mpns[p] = mpn
		r.pages[p] = &Data{PCPUNum: p}
	}

	va, err := xmap.Map(1, []platform.XMapRange{{StartMPN: r.mpns[0], NMPNs: 1}})
	if err != nil {
		r.teardown(numPCPUs)
		return nil, vmkerr.New(vmkerr.NoAddressSpace, "prda: mapping shared region: %v", err)
	}
	r.va = va
	return r, nil
}

func (r *Region) teardown(allocated int) {
	for i := 0; i < allocated; i++ {
		r.frames.Free(r.mpns[i])
	}
}

// VA returns the address at which New mapped pcpu 0's page.
func (r *Region) VA() mm.VA { return r.va }

// MPN returns the physical page backing pcpu p's PRDA, for
// world.AddrSpaceDeps to install alongside the other per-world mappings.
func (r *Region) MPN(pcpu int) mm.MPN { return r.mpns[pcpu] }

// Get returns pcpu p's per-pcpu data. This core has no real %fs-relative
// addressing, so callers index by pcpu number directly rather than
// dereferencing the fixed VA.
func (r *Region) Get(pcpu int) *Data { return r.pages[pcpu] }

// Close frees every pcpu's backing frame and unmaps the shared region.
func (r *Region) Close() error {
	if err := r.xmap.Unmap(1, r.va); err != nil {
		return err
	}
	for _, mpn := range r.mpns {
		r.frames.Free(mpn)
	}
	return nil
}
