package mm

import (
	"sync/atomic"
	"unsafe"
)

// PTE flag bits, extended from the teacher's 32-bit PDE/PTE layout
// (hypervisor/paging.go) to the 64-bit PAE entry spec.md §3 describes.
const (
	PTEPresent      uint64 = 1 << 0
	PTEWritable     uint64 = 1 << 1
	PTEUser         uint64 = 1 << 2
	PTEWriteThrough uint64 = 1 << 3
	PTECacheDisable uint64 = 1 << 4
	PTEAccessed     uint64 = 1 << 5
	PTEDirty        uint64 = 1 << 6
	PTELargePage    uint64 = 1 << 7
	PTEGlobal       uint64 = 1 << 8

	pteMPNShift = 12
	pteMPNMask  = uint64(0xFFFFFFFF) << pteMPNShift
)

// PTE is a single 64-bit PAE page-table entry.
type PTE uint64

// NewPTE builds an entry mapping mpn with the given flag bits.
func NewPTE(mpn MPN, flags uint64) PTE {
	return PTE((uint64(mpn) << pteMPNShift) | (flags &^ pteMPNMask))
}

// Present reports the present bit.
func (p PTE) Present() bool { return uint64(p)&PTEPresent != 0 }

// MPN extracts the frame number, or InvalidMPN if the entry is not present.
func (p PTE) MPN() MPN {
	if !p.Present() {
		return InvalidMPN
	}
	return MPN((uint64(p) & pteMPNMask) >> pteMPNShift)
}

// Flags returns the non-address bits of the entry.
func (p PTE) Flags() uint64 { return uint64(p) &^ pteMPNMask }

// Store performs the split-write update spec.md §3/§5 mandates so that no
// CPU can observe a mid-update entry with the present bit set: the low
// 32 bits (which carry Present) are cleared first, the high 32 bits are
// written, and only then is the low half written with the entry's real
// value. On a 64-bit word this is unnecessary for atomicity on a single
// store, but the ordering discipline is kept per spec.md §9's note that it
// must be preserved across weaker-memory-model targets.
//
// slot must point at the live PTE storage cell; callers hold whatever lock
// serializes concurrent writers to that slot (the TLB module's invLock, in
// practice) before calling Store.
func Store(slot *PTE, next PTE) {
	cur := uint64(atomic.LoadUint64((*uint64)(slot)))
	lowClear := cur &^ uint64(0xFFFFFFFF)
	atomic.StoreUint64((*uint64)(slot), lowClear)
	high := uint64(next) &^ uint64(0xFFFFFFFF)
	atomic.StoreUint64((*uint64)(slot), lowClear|high)
	atomic.StoreUint64((*uint64)(slot), uint64(next))
}

// Clear invalidates slot. Per spec.md §4.2/§5, only the low 32 bits need be
// reset — the high half (the MPN) is don't-care once Present is clear.
func Clear(slot *PTE) {
	cur := atomic.LoadUint64((*uint64)(slot))
	atomic.StoreUint64((*uint64)(slot), cur&^uint64(0xFFFFFFFF))
}

// Load reads slot with the same memory ordering Store/Clear use.
func Load(slot *PTE) PTE {
	return PTE(atomic.LoadUint64((*uint64)(slot)))
}

// Slot reinterprets the 8 bytes at buf[byteOffset:byteOffset+8] as a live
// *PTE cell, so Store/Load/Clear can address entries inside a page-table
// frame's real backing memory (as opposed to only the in-process master[]
// array the TLB module keeps). byteOffset must be 8-byte aligned and
// byteOffset+8 <= len(buf). Callers hold whatever lock serializes writers
// to that frame.
func Slot(buf []byte, byteOffset int) *PTE {
	return (*PTE)(unsafe.Pointer(&buf[byteOffset]))
}
