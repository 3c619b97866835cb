// Package world implements spec.md §4.1 (component H): world and world-group
// lifecycle, the module init/cleanup table machinery every world type is
// built and torn down through, and the reap pipeline that decouples a
// world's synchronous exit from the blocking work needed to actually free
// its resources.
package world

import (
	"log"
	"sync"

	"github.com/vmkforge/core/mm"
)

// Sizing constants. Values are chosen to be representative of the real
// vmkernel's (MAX_WORLDS is in the low hundreds there); nothing in this
// core depends on the exact magnitude, only on the bit-layout relationship
// between MaxWorlds and the worldID encoding in spec.md §3.
const (
	MaxWorlds           = 256 // must be a power of two; log2(MaxWorlds) below
	logMaxWorlds        = 8
	MaxVCPUs            = 32
	MaxPCPUs            = 64
	WorldNameLength     = 32
	GDTAreaLen          = 2
	// NumMonitorPageTabs covers the per-world monitor window. A PAE page
	// root has exactly 4 PDPTE slots; slot 0 always links the shared
	// firstPageDir (spec.md §4.1 step 1), leaving 3 for the per-world
	// monitor page tables step 5 links directly into the root.
	NumMonitorPageTabs  = 3
	WorldVMKStackVPNs   = 9 // 1 unmapped guard page + 8 mapped pages (32 KiB)
	WorldKillTimeoutSec = 5
	ReapRetryTimeMS     = 250
	SCSIReapRetries     = 8
	GroupHeapInitial    = 64 * 1024
	GroupHeapMax        = 16 * 1024 * 1024
)

// MMURootStartVA is the fixed virtual address, within each world's private
// monitor window, whose PTE spec.md §4.1 step 5 requires as a
// self-referential mapping of the page root itself: slot 0 of the first
// monitor page table. This core never executes monitor code that walks the
// window in software, so the VA itself is never resolved through XMap —
// only the PTE slot it names (PageTableMPNs[0], offset 0) is ever written.
const MMURootStartVA mm.VA = 0xFF800000

// TypeFlags is the bit-set of a world's role(s).
type TypeFlags uint32

const (
	FlagSystem TypeFlags = 1 << iota
	FlagHost
	FlagIdle
	FlagUser
	FlagVMM
	FlagHelper
	FlagTest
	FlagPost
)

func (f TypeFlags) Has(bit TypeFlags) bool { return f&bit != 0 }

// KillLevel is the three-level cancellation escalator (spec.md §5).
type KillLevel int

const (
	KillNone KillLevel = iota
	KillNice
	KillDemand
	KillUnconditional
)

// PanicState is a VMM group's panic-posting state machine.
type PanicState int

const (
	PanicNone PanicState = iota
	PanicBegin
	PanicVMXPost
)

// SavedState is the register/segment/control-register snapshot a
// descheduled world's context is restored from.
type SavedState struct {
	GPRegs    [8]uint32 // EAX,EBX,ECX,EDX,ESI,EDI,ESP,EBP
	SegRegs   [6]uint16 // CS,DS,ES,FS,GS,SS
	EFlags    uint32
	EIP       uint32
	CR0, CR2, CR3, CR4 uint32
	DR        [8]uint32
	GDTBase   mm.VA
	IDTBase   mm.VA
	FPUSave   [512]byte
	InitialFn func()
}

// AddrSpace holds every resource spec.md §4.1's address-space construction
// allocates, so teardown can walk it in reverse without re-deriving
// anything.
type AddrSpace struct {
	PageRootMA     uint64
	PageTableMPNs  [NumMonitorPageTabs]mm.MPN
	TaskMPN        mm.MPN
	TaskVA         mm.VA
	NMIStackMPN    mm.MPN
	NMIStackStart  mm.VA
	GDTMPN         [GDTAreaLen]mm.MPN
	KernelGDT      mm.VA
	VMKStackStart  mm.VA
	VMKStackLength int
	VMKStackMPNs   []mm.MPN

	// PRDAMappedVA is the VA this address space's mapping of the current
	// pcpu's PRDA page landed at. The real monitor pins PRDA to the same
	// fixed VA in every address space; this core's XMap always returns a
	// freshly chosen VA for each Map call, so each world's mapping gets
	// its own VA instead of sharing one — logically equivalent (the page
	// is reachable), just not bit-identical across worlds.
	PRDAMappedVA mm.VA
}

// VMMInfo holds the per-world state that only exists for VMM-flagged
// worlds.
type VMMInfo struct {
	SharedAreaVA    mm.VA
	SharedAreaPages int
	VCPUStackVA     mm.VA
	ShadowDR     [8]uint32
	MainMemID    uint32
	InPanic      bool
}

// GroupInfo is shared by every world with the same group leader id, per
// spec.md §3/§4.1.
type GroupInfo struct {
	mu          sync.Mutex
	LeaderID    uint32
	MemberCount int
	Members     [MaxVCPUs]uint32 // ordered by vcpuid for VMM groups
	VMMLeader   uint32           // 0 if no VMM member yet

	MainMemHandle uint32
	VMXPID        int
	CfgPath       string
	UUIDString    string
	DisplayName   string

	PanicState    PanicState
	PanickyWorld  uint32
	PanicMsg      string
	panicPostedAt int // number of VMKEVENT_PANIC posts made; must stay <= 1

	Heap *GroupHeap
}

// GroupHeap is the dynamically growable per-group allocation area spec.md
// §3 describes. It's modeled as a simple growable byte arena: the core
// doesn't need a real buddy allocator at group scope, only the ability to
// grow between GroupHeapInitial and GroupHeapMax and be destroyed in one
// shot when the group's last member leaves.
type GroupHeap struct {
	mu       sync.Mutex
	buf      []byte
	used     int
	maxBytes int
}

// NewGroupHeap allocates a heap starting at GroupHeapInitial bytes, capped
// at GroupHeapMax.
func NewGroupHeap() *GroupHeap {
	return &GroupHeap{buf: make([]byte, 0, GroupHeapInitial), maxBytes: GroupHeapMax}
}

// Alloc carves n bytes from the heap, growing it (up to maxBytes) if
// necessary.
func (h *GroupHeap) Alloc(n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used+n > h.maxBytes {
		return nil, errGroupHeapExhausted
	}
	if h.used+n > cap(h.buf) {
		grown := make([]byte, len(h.buf), min(cap(h.buf)*2+n, h.maxBytes))
		copy(grown, h.buf)
		h.buf = grown
	}
	h.buf = h.buf[:h.used+n]
	region := h.buf[h.used : h.used+n]
	h.used += n
	return region, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Handle is the fixed-size world record spec.md §3 describes. The table
// holds MaxWorlds of these; unused slots have InUse == false.
type Handle struct {
	mu sync.Mutex

	WorldID    uint32
	InUse      bool
	Generation uint32
	Name       string
	TypeFlags  TypeFlags

	RefCount    int
	ReaderCount int
	HostCount   int

	DeathPending  bool
	KillLevel     KillLevel
	ReapStarted   bool
	ReapScheduled bool
	ReapCalls     int
	ExitStatus    error

	AddrSpace AddrSpace
	Saved     SavedState

	ModulesInited uint64 // bitmap, width == len(moduleTable) for the table this world was built from
	ModuleTable   []ModuleEntry

	Group *GroupInfo
	VMM   *VMMInfo

	neverScheduled bool
	log            *log.Logger
}

var errGroupHeapExhausted = platformErr("group heap exhausted")

type platformErr string

func (e platformErr) Error() string { return string(e) }
