package world

import (
	"context"
	"time"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/vmkerr"
)

// AddrSpaceDeps bundles the external collaborators address-space
// construction and teardown need: the frame source, the extended virtual
// mapper, and the shared first page directory every world's root links
// against so the kernel mapping is identical everywhere (spec.md §4.1
// step 1).
type AddrSpaceDeps struct {
	Frames       platform.FrameSource
	XMap         platform.XMap
	FirstPageDir mm.MPN
	NMIHandlerEIP uint32

	// PRDAMPN, when non-zero and valid, is a per-pcpu-region page (see
	// package prda) that every world's address space maps, at a VA XMap
	// picks per world (recorded in AddrSpace.PRDAMappedVA). PRDAVA is not
	// read by address-space construction. Left zero-valued in tests that
	// don't care.
	PRDAMPN mm.MPN
	PRDAVA  mm.VA
}

// buildAddrSpace implements spec.md §4.1's six-step construction. Any
// failure frees exactly what had already been acquired and returns the
// underlying error; nothing is left partially mapped.
func buildAddrSpace(w *Handle, d AddrSpaceDeps, stackVPNBase mm.VPN) (err error) {
	as := &w.AddrSpace
	as.TaskMPN, as.NMIStackMPN = mm.InvalidMPN, mm.InvalidMPN
	for i := range as.PageTableMPNs {
		as.PageTableMPNs[i] = mm.InvalidMPN
	}
	for i := range as.GDTMPN {
		as.GDTMPN[i] = mm.InvalidMPN
	}
	defer func() {
		if err != nil {
			teardownAddrSpace(w, d)
		}
	}()

	// Step 1: page root (PAE: 4 PDPTEs), first directory links to the
	// shared FirstPageDir so every world observes the kernel mapping
	// identically.
	rootMPN, err := allocPageRoot(d)
	if err != nil {
		return err
	}
	as.PageRootMA = mm.MPN2PA(rootMPN)
	mm.Store(mm.Slot(d.Frames.Bytes(rootMPN), 0), mm.NewPTE(d.FirstPageDir, mm.PTEPresent|mm.PTEWritable))

	// Step 2: NMI stack frame, mapped via XMap.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	as.NMIStackMPN, err = d.Frames.Alloc(platform.ClassLow, 0, 0, ctx)
	if err != nil {
		return vmkerr.New(vmkerr.NoMemory, "allocating NMI stack frame: %v", err)
	}
	as.NMIStackStart, err = d.XMap.Map(1, []platform.XMapRange{{StartMPN: as.NMIStackMPN, NMPNs: 1}})
	if err != nil {
		return vmkerr.New(vmkerr.NoAddressSpace, "mapping NMI stack: %v", err)
	}

	// Step 3 + 4: task frame holding the default task and, immediately
	// after it, the NMI task.
	as.TaskMPN, err = d.Frames.Alloc(platform.ClassLow, 0, 0, ctx)
	if err != nil {
		return vmkerr.New(vmkerr.NoMemory, "allocating TSS frame: %v", err)
	}
	taskVA, err := d.XMap.Map(1, []platform.XMapRange{{StartMPN: as.TaskMPN, NMPNs: 1}})
	if err != nil {
		return vmkerr.New(vmkerr.NoAddressSpace, "mapping TSS frame: %v", err)
	}
	as.TaskVA = taskVA
	nmiStackTop := as.NMIStackStart + mm.VA(mm.PageSize)
	vmkStackTop := mm.VPN2VA(stackVPNBase + WorldVMKStackVPNs - 1)
	defaultTSS := mm.NewDefaultTSS(vmkStackTop, uint32(as.PageRootMA))
	nmiTSS := mm.NewNMITSS(d.NMIHandlerEIP, nmiStackTop, uint32(as.PageRootMA))
	if err := writeTwoTSS(d, taskVA, defaultTSS, nmiTSS); err != nil {
		return err
	}

	// Step 5: monitor page tables covering the per-world monitor window,
	// linked into the remaining root PDPTE slots (1..3; slot 0 is
	// FirstPageDir), plus the self-referential PTE at MMURootStartVA
	// (slot 0 of the first monitor page table) mapping the root itself.
	rootBytes := d.Frames.Bytes(rootMPN)
	for i := range as.PageTableMPNs {
		mpn, aerr := d.Frames.Alloc(platform.ClassAny, 0, 0, ctx)
		if aerr != nil {
			return vmkerr.New(vmkerr.NoMemory, "allocating monitor page table %d: %v", i, aerr)
		}
		as.PageTableMPNs[i] = mpn
		mm.Store(mm.Slot(rootBytes, (i+1)*8), mm.NewPTE(mpn, mm.PTEPresent|mm.PTEWritable))
	}
	mm.Store(mm.Slot(d.Frames.Bytes(as.PageTableMPNs[0]), 0), mm.NewPTE(rootMPN, mm.PTEPresent|mm.PTEWritable))

	// Step 6: copy the default GDT into GDTAreaLen frames, mapped via
	// XMap, then install this world's own TSS descriptors into it.
	for i := range as.GDTMPN {
		mpn, aerr := d.Frames.Alloc(platform.ClassAny, 0, 0, ctx)
		if aerr != nil {
			return vmkerr.New(vmkerr.NoMemory, "allocating GDT frame %d: %v", i, aerr)
		}
		as.GDTMPN[i] = mpn
	}
	ranges := make([]platform.XMapRange, len(as.GDTMPN))
	for i, mpn := range as.GDTMPN {
		ranges[i] = platform.XMapRange{StartMPN: mpn, NMPNs: 1}
	}
	as.KernelGDT, err = d.XMap.Map(len(as.GDTMPN), ranges)
	if err != nil {
		return vmkerr.New(vmkerr.NoAddressSpace, "mapping per-world GDT: %v", err)
	}
	if err := installGDT(d, as.KernelGDT, taskVA); err != nil {
		return err
	}

	as.VMKStackStart = mm.VPN2VA(stackVPNBase)

	// Frame 0 is conventionally reserved/never handed out by a real frame
	// source, so it doubles as "no PRDA dependency supplied" for callers
	// (tests) that leave AddrSpaceDeps.PRDAMPN at its zero value.
	if d.PRDAMPN != 0 && d.PRDAMPN.Valid() {
		as.PRDAMappedVA, err = d.XMap.Map(1, []platform.XMapRange{{StartMPN: d.PRDAMPN, NMPNs: 1}})
		if err != nil {
			return vmkerr.New(vmkerr.NoAddressSpace, "mapping PRDA into new address space: %v", err)
		}
	}
	return nil
}

// teardownAddrSpace reverses buildAddrSpace, freeing only what is
// present (sentinel-checked), safe to call on a partially constructed
// AddrSpace.
func teardownAddrSpace(w *Handle, d AddrSpaceDeps) {
	as := &w.AddrSpace
	if as.PRDAMappedVA != 0 {
		_ = d.XMap.Unmap(1, as.PRDAMappedVA)
		as.PRDAMappedVA = 0
	}
	if as.KernelGDT != 0 {
		_ = d.XMap.Unmap(len(as.GDTMPN), as.KernelGDT)
		as.KernelGDT = 0
	}
	for i, mpn := range as.GDTMPN {
		if mpn.Valid() {
			d.Frames.Free(mpn)
			as.GDTMPN[i] = mm.InvalidMPN
		}
	}
	for i, mpn := range as.PageTableMPNs {
		if mpn.Valid() {
			d.Frames.Free(mpn)
			as.PageTableMPNs[i] = mm.InvalidMPN
		}
	}
	if as.TaskVA != 0 {
		_ = d.XMap.Unmap(1, as.TaskVA)
		as.TaskVA = 0
	}
	if as.TaskMPN.Valid() {
		d.Frames.Free(as.TaskMPN)
		as.TaskMPN = mm.InvalidMPN
	}
	if as.NMIStackStart != 0 {
		_ = d.XMap.Unmap(1, as.NMIStackStart)
		as.NMIStackStart = 0
	}
	if as.NMIStackMPN.Valid() {
		d.Frames.Free(as.NMIStackMPN)
		as.NMIStackMPN = mm.InvalidMPN
	}
	if as.PageRootMA != 0 {
		freePageRoot(d, as.PageRootMA)
		as.PageRootMA = 0
	}
}

// --- helpers kept tiny and free of platform-implementation assumptions ---

func allocPageRoot(d AddrSpaceDeps) (mm.MPN, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mpn, err := d.Frames.Alloc(platform.ClassLow, 0, 0, ctx)
	if err != nil {
		return mm.InvalidMPN, vmkerr.New(vmkerr.NoMemory, "allocating page root: %v", err)
	}
	return mpn, nil
}

func freePageRoot(d AddrSpaceDeps, rootMA uint64) {
	d.Frames.Free(mm.PA2MPN(rootMA))
}

// writeTwoTSS encodes defaultTSS immediately followed by nmiTSS into the
// task frame mapped at taskVA (spec.md §4.1 steps 3/4).
func writeTwoTSS(d AddrSpaceDeps, taskVA mm.VA, defaultTSS, nmiTSS *mm.TSS) error {
	buf := d.XMap.Bytes(taskVA)
	if len(buf) < 2*mm.TSSEncodedLen {
		return vmkerr.New(vmkerr.NoAddressSpace, "TSS frame too small for two tasks: have %d bytes, need %d", len(buf), 2*mm.TSSEncodedLen)
	}
	n := defaultTSS.Encode(buf)
	nmiTSS.Encode(buf[n:])
	return nil
}

// installGDT copies the default flat GDT into the per-world GDT frames
// mapped at gdtVA, then patches in this world's own default/NMI TSS
// descriptors at their fixed selectors (spec.md §4.1 step 6).
func installGDT(d AddrSpaceDeps, gdtVA, taskVA mm.VA) error {
	buf := d.XMap.Bytes(gdtVA)
	if buf == nil {
		return vmkerr.New(vmkerr.NoAddressSpace, "installing GDT: %#x not mapped", gdtVA)
	}
	for i, e := range mm.DefaultGDT() {
		off := i * 8
		if off+8 > len(buf) {
			return vmkerr.New(vmkerr.NoAddressSpace, "GDT area too small for default entries")
		}
		e.Encode(buf[off:])
	}

	taskBase := uint32(taskVA)
	limit := uint32(mm.TSSEncodedLen - 1)
	defaultDesc := mm.NewTSSDescriptor(taskBase, limit, 0)
	nmiDesc := mm.NewTSSDescriptor(taskBase+uint32(mm.TSSEncodedLen), limit, 0)
	if mm.SelectorNMITSS+8 > len(buf) {
		return vmkerr.New(vmkerr.NoAddressSpace, "GDT area too small for TSS descriptors")
	}
	defaultDesc.Encode(buf[mm.SelectorDefaultTSS:])
	nmiDesc.Encode(buf[mm.SelectorNMITSS:])
	return nil
}
