package mm

import "encoding/binary"

// TSS is a 32-bit task-state segment, as spec.md §4.1 step 3 describes:
// used both as the world's default (interrupt-gate-entered) task and, a
// second copy immediately after it in the same frame, as the NMI task
// reached only through a hardware task gate.
//
// The architectural I/O permission bitmap and interrupt-redirection
// bitmap are not materialized as bytes here: nothing in this core reads
// individual port or vector bits, and a real "all ports denied" bitmap
// plus both TSS's fixed fields can't fit twice in the one 4 KiB frame
// step 3 allocates. Instead IOMapBase is set at the deny-all sentinel,
// the same technique real kernels use (point the map base past the
// segment limit) to fault every port access without allocating a bitmap.
type TSS struct {
	PrevTaskLink uint32
	ESP0         uint32
	SS0          uint32
	ESP1         uint32
	SS1          uint32
	ESP2         uint32
	SS2          uint32
	CR3          uint32
	EIP          uint32
	EFLAGS       uint32
	EAX, ECX, EDX, EBX,
	ESP, EBP, ESI, EDI uint32
	ES, CS, SS, DS, FS, GS uint32
	LDTSelector            uint32
	TrapOnSwitch           uint32 // bit 0 of the low word only; rest reserved
	IOMapBase              uint32 // offset to the (unmaterialized) I/O permission bitmap
}

// TSSEncodedLen is the number of bytes Encode writes: the fixed-field
// region only, in the hardware task-switch's little-endian layout.
const TSSEncodedLen = 27 * 4

// tssIOMapBaseDenyAll sits beyond any limit a TSS descriptor names, so a
// port access always faults as "bitmap absent" rather than "bit clear".
const tssIOMapBaseDenyAll = 0xFFFF

// NewDefaultTSS builds the ring 0/1/2 stack pointers all pointing at the
// world's own vmkernel stack top, segment selectors set to the default
// GDT's flat selectors, and the I/O bitmap denied via IOMapBase.
func NewDefaultTSS(vmkStackTop VA, pageRootPA uint32) *TSS {
	return &TSS{
		ESP0: uint32(vmkStackTop), SS0: SelectorData,
		ESP1: uint32(vmkStackTop), SS1: SelectorData,
		ESP2: uint32(vmkStackTop), SS2: SelectorData,
		CR3: pageRootPA,
		CS:  SelectorCode, DS: SelectorData, SS: SelectorData,
		ES: SelectorData, FS: SelectorData, GS: SelectorData,
		IOMapBase: tssIOMapBaseDenyAll,
	}
}

// NewNMITSS builds the task reached through the NMI task gate: its own
// stack, and EIP set to the common NMI handler entry point so the hardware
// task switch alone is enough to get there with a clean stack regardless of
// what the interrupted world was doing.
func NewNMITSS(nmiHandlerEIP uint32, nmiStackTop VA, pageRootPA uint32) *TSS {
	t := NewDefaultTSS(nmiStackTop, pageRootPA)
	t.EIP = nmiHandlerEIP
	t.ESP = uint32(nmiStackTop)
	return t
}

// Encode writes t's fixed-field region to buf (which must be at least
// TSSEncodedLen bytes) in the layout a hardware task switch reads
// directly, and returns TSSEncodedLen.
func (t *TSS) Encode(buf []byte) int {
	w := 0
	put := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[w:], v)
		w += 4
	}
	put(t.PrevTaskLink)
	put(t.ESP0)
	put(t.SS0)
	put(t.ESP1)
	put(t.SS1)
	put(t.ESP2)
	put(t.SS2)
	put(t.CR3)
	put(t.EIP)
	put(t.EFLAGS)
	put(t.EAX)
	put(t.ECX)
	put(t.EDX)
	put(t.EBX)
	put(t.ESP)
	put(t.EBP)
	put(t.ESI)
	put(t.EDI)
	put(t.ES)
	put(t.CS)
	put(t.SS)
	put(t.DS)
	put(t.FS)
	put(t.GS)
	put(t.LDTSelector)
	put(t.TrapOnSwitch)
	put(t.IOMapBase)
	return w
}
