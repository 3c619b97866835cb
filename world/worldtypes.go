package world

import (
	"context"
	"sync"
	"time"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/vmkerr"
)

// namesRegistry enforces SYSTEM-world name uniqueness (spec.md §9 design
// notes supplement: a SYSTEM-flagged world's name must be unique among
// currently live SYSTEM worlds, since the console and per-pcpu idle
// worlds are looked up by name at boot).
type namesRegistry struct {
	mu   sync.Mutex
	used map[string]uint32
}

func (n *namesRegistry) reserve(name string, id uint32) error {
	if name == "" {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.used[name]; ok && existing != id {
		return vmkerr.New(vmkerr.BadParam, "world name %q already in use by world %d", name, existing)
	}
	n.used[name] = id
	return nil
}

func (n *namesRegistry) release(name string) {
	if name == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.used, name)
}

// tableFor selects one of the four module tables spec.md §4.1 names
// (console, VMM, USER, other), sharing a common prefix (name check, group
// init) and, for every non-console type, a common non-host suffix
// (stack, address space, saved state).
func (l *Lifecycle) tableFor(flags TypeFlags) []ModuleEntry {
	prefix := []ModuleEntry{
		{Name: "name_check", Init: l.initNameCheck, Exit: l.exitNameCheck},
		{Name: "group_init", Init: l.initGroup, Exit: l.exitGroup},
	}
	suffix := []ModuleEntry{
		{Name: "stack", Init: l.initStack, Exit: l.exitStack},
		{Name: "addrspace", Init: l.initAddrSpace, Exit: l.exitAddrSpace},
		{Name: "saved_state", Init: l.initSavedState, Exit: nil},
	}

	if flags.Has(FlagSystem) && flags.Has(FlagHost) {
		// Console world: host-resident, no carved vmkernel address
		// space of its own (it runs on the COS stack supplied in
		// args.COSStackMPN).
		return append(append([]ModuleEntry{}, prefix...), ModuleEntry{
			Name: "console", Init: l.initConsole, Exit: l.exitConsole,
		})
	}

	var middle []ModuleEntry
	switch {
	case flags.Has(FlagVMM):
		middle = []ModuleEntry{{Name: "vmm", Init: l.initVMM, Exit: l.exitVMM}}
	case flags.Has(FlagUser):
		middle = []ModuleEntry{{Name: "user", Init: l.initUser, Exit: l.exitUser}}
	}

	table := append([]ModuleEntry{}, prefix...)
	table = append(table, middle...)
	table = append(table, suffix...)
	return table
}

func (l *Lifecycle) initNameCheck(w *Handle, args *InitArgs) error {
	if len(args.Name) > WorldNameLength {
		return vmkerr.New(vmkerr.BadParam, "world name %q exceeds %d bytes", args.Name, WorldNameLength)
	}
	if args.Flags.Has(FlagSystem) {
		return l.names.reserve(args.Name, w.WorldID)
	}
	return nil
}

func (l *Lifecycle) exitNameCheck(w *Handle) {
	if w.TypeFlags.Has(FlagSystem) {
		l.names.release(w.Name)
	}
}

func (l *Lifecycle) initGroup(w *Handle, args *InitArgs) error {
	return l.Groups.GroupInit(l.Table, nil, w, args.GroupLeader)
}

func (l *Lifecycle) exitGroup(w *Handle) {
	l.Groups.GroupCleanup(l.Table, nil, w)
}

func (l *Lifecycle) initConsole(w *Handle, args *InitArgs) error {
	w.Saved.InitialFn = args.Func
	return nil
}

func (l *Lifecycle) exitConsole(w *Handle) {}

func (l *Lifecycle) initVMM(w *Handle, args *InitArgs) error {
	w.VMM = &VMMInfo{}
	if args.SharedArea != nil {
		va, err := l.AddrDeps.XMap.Map(args.SharedArea.Pages, nil)
		if err != nil {
			w.VMM = nil
			return vmkerr.New(vmkerr.NoAddressSpace, "mapping VMM shared area: %v", err)
		}
		w.VMM.SharedAreaVA = va
		w.VMM.SharedAreaPages = args.SharedArea.Pages
	}
	w.HostCount = 1
	return nil
}

func (l *Lifecycle) exitVMM(w *Handle) {
	if w.VMM != nil && w.VMM.SharedAreaVA != 0 {
		_ = l.AddrDeps.XMap.Unmap(w.VMM.SharedAreaPages, w.VMM.SharedAreaVA)
	}
	w.VMM = nil
}

func (l *Lifecycle) initUser(w *Handle, args *InitArgs) error {
	return nil
}

func (l *Lifecycle) exitUser(w *Handle) {}

func (l *Lifecycle) initStack(w *Handle, args *InitArgs) error {
	slot := int(slotOf(w.WorldID))
	base := mm.VPN(slot * WorldVMKStackVPNs)
	w.AddrSpace.VMKStackStart = mm.VPN2VA(base + 1) // VPN 0 of the range is the guard page
	w.AddrSpace.VMKStackLength = (WorldVMKStackVPNs - 1) * mm.PageSize

	ctx2, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mpns := make([]mm.MPN, 0, WorldVMKStackVPNs-1)
	for i := 0; i < WorldVMKStackVPNs-1; i++ {
		mpn, err := l.AddrDeps.Frames.Alloc(platform.ClassLow, 0, 0, ctx2)
		if err != nil {
			for _, m := range mpns {
				l.AddrDeps.Frames.Free(m)
			}
			return vmkerr.New(vmkerr.NoMemory, "allocating vmkernel stack frame %d: %v", i, err)
		}
		mpns = append(mpns, mpn)
	}
	w.AddrSpace.VMKStackMPNs = mpns
	return nil
}

func (l *Lifecycle) exitStack(w *Handle) {
	for _, mpn := range w.AddrSpace.VMKStackMPNs {
		l.AddrDeps.Frames.Free(mpn)
	}
	w.AddrSpace.VMKStackMPNs = nil
}

func (l *Lifecycle) initAddrSpace(w *Handle, args *InitArgs) error {
	slot := int(slotOf(w.WorldID))
	return buildAddrSpace(w, l.AddrDeps, mm.VPN(slot*WorldVMKStackVPNs+1))
}

func (l *Lifecycle) exitAddrSpace(w *Handle) {
	teardownAddrSpace(w, l.AddrDeps)
}

func (l *Lifecycle) initSavedState(w *Handle, args *InitArgs) error {
	w.Saved.InitialFn = args.Func
	w.Saved.EIP = 0 // resolved by the scheduler from InitialFn on first dispatch
	w.Saved.GDTBase = w.AddrSpace.KernelGDT
	return nil
}
