package mm

import "encoding/binary"

// GDTEntry is a single 8-byte GDT/LDT descriptor. The field layout is lifted
// directly from the teacher's hypervisor/gdt.go, which already modeled the
// x86 descriptor byte-for-byte; this repo only adds the TSS-descriptor
// helper the teacher didn't need (it never built its own TSS).
type GDTEntry struct {
	LimitLow  uint16
	BaseLow   uint16
	BaseMid   uint8
	Access    uint8
	LimitHigh uint8
	BaseHigh  uint8
}

// Access byte bits.
const (
	GDTAccessPresent   uint8 = 1 << 7
	GDTAccessDPLShift        = 5
	GDTAccessS         uint8 = 1 << 4 // 1 = code/data, 0 = system (TSS/gate)
	GDTAccessExec      uint8 = 1 << 3
	GDTAccessRW        uint8 = 1 << 1 // readable(code) / writable(data)
	GDTAccessAccessed  uint8 = 1 << 0

	GDTTypeTSSAvail uint8 = 0x9 // 32-bit TSS (available)
	GDTTypeTSSBusy  uint8 = 0xB
)

// GDTFlags bits, upper nibble of LimitHigh.
const (
	GDTFlagGranularity uint8 = 1 << 7 // 1 = limit in 4KiB units
	GDTFlagDB          uint8 = 1 << 6 // 1 = 32-bit default operand/stack size
	GDTFlagLong        uint8 = 1 << 5
	GDTFlagAVL         uint8 = 1 << 4
)

// NewGDTEntry builds a descriptor, same semantics as the teacher's
// NewGDTEntry(base, limit, access, flags).
func NewGDTEntry(base uint32, limit uint32, access uint8, flags uint8) GDTEntry {
	e := GDTEntry{}
	e.BaseLow = uint16(base & 0xFFFF)
	e.BaseMid = uint8((base >> 16) & 0xFF)
	e.BaseHigh = uint8((base >> 24) & 0xFF)
	e.LimitLow = uint16(limit & 0xFFFF)
	e.LimitHigh = uint8((limit>>16)&0x0F) | (flags & 0xF0)
	e.Access = access
	return e
}

// NewTSSDescriptor builds a system-segment descriptor pointing at a
// TSSEncodedLen-byte task-state segment at base, sized limit bytes.
func NewTSSDescriptor(base uint32, limit uint32, dpl uint8) GDTEntry {
	access := GDTAccessPresent | GDTTypeTSSAvail | (dpl << GDTAccessDPLShift)
	return NewGDTEntry(base, limit, access, 0)
}

// Encode writes e's 8-byte descriptor encoding to buf.
func (e GDTEntry) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], e.LimitLow)
	binary.LittleEndian.PutUint16(buf[2:4], e.BaseLow)
	buf[4] = e.BaseMid
	buf[5] = e.Access
	buf[6] = e.LimitHigh
	buf[7] = e.BaseHigh
}

// DefaultGDT is the flat null/code/data layout every per-world GDT starts
// as a copy of; it has no TSS entries, and the world's own TSS descriptors
// are patched in afterwards at SelectorDefaultTSS and SelectorNMITSS.
// Selector 0x08 is the flat 32-bit kernel code segment, 0x10 the flat
// kernel data segment — the same selector values the teacher's
// virtual_machine.go hands to a booted guest.
func DefaultGDT() []GDTEntry {
	return []GDTEntry{
		NewGDTEntry(0, 0, 0, 0), // null
		NewGDTEntry(0, 0xFFFFF, GDTAccessPresent|GDTAccessS|GDTAccessExec|GDTAccessRW, GDTFlagGranularity|GDTFlagDB),
		NewGDTEntry(0, 0xFFFFF, GDTAccessPresent|GDTAccessS|GDTAccessRW, GDTFlagGranularity|GDTFlagDB),
	}
}

const (
	SelectorNull       = 0x00
	SelectorCode       = 0x08
	SelectorData       = 0x10
	SelectorDefaultTSS = 0x18
	SelectorNMITSS     = 0x20
)
