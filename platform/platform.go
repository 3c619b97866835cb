// Package platform declares the narrow interfaces the core consumes from
// its external collaborators (spec.md §6): the physical page source, the
// extended virtual-address mapper, the scheduler, the interrupt
// controller, and the helper-request queue. The core never imports a
// concrete implementation of any of these — only simhost does, for tests
// and for cmd/vmkboot.
package platform

import (
	"context"

	"github.com/vmkforge/core/mm"
)

// FrameClass selects which physical-page pool a request is drawn from.
type FrameClass int

const (
	ClassAny FrameClass = iota
	ClassLow
	ClassLowReserved
)

// FrameSource is the physical page provider (component A).
type FrameSource interface {
	Alloc(class FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error)
	AllocLarge(class FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error)
	Free(mm.MPN)
	SetIOProtection(mpn mm.MPN, disable bool)
	// Bytes returns the real backing memory for frame m, letting callers
	// that build in-place structures (page tables, TSS, GDT) write them.
	Bytes(m mm.MPN) []byte
}

// XMapRange describes one contiguous run of frames to bind into a mapping.
type XMapRange struct {
	StartMPN mm.MPN
	NMPNs    int
}

// XMap is the extended virtual map (component B): it reserves kernel
// virtual ranges and installs PTEs for supplied frame lists.
type XMap interface {
	Map(nPages int, ranges []XMapRange) (mm.VA, error)
	Unmap(nPages int, va mm.VA) error
	VA2MPN(va mm.VA) mm.MPN
	// Bytes resolves va down to the real backing memory it maps, for
	// callers that write mapped contents in place (TSS, GDT).
	Bytes(va mm.VA) []byte
}

// WaitClass distinguishes why a world is blocked, mirroring the scheduler's
// own event classing.
type WaitClass int

const (
	WaitClassGeneric WaitClass = iota
	WaitClassReap
	WaitClassTLB
	WaitClassWorldDeath
)

// CancelStatus is returned from Wait when the waiter's world has a kill
// pending at or above the escalation level that must interrupt blocking.
type CancelStatus int

const (
	NotCancelled CancelStatus = iota
	Cancelled
)

// Scheduler is the external scheduler contract (spec.md §5).
type Scheduler interface {
	AddRunning(worldID uint32)
	Remove(worldID uint32) bool
	DisablePreemption()
	RestorePreemption()
	Wait(event uintptr, class WaitClass, unlock func()) CancelStatus
	Wakeup(event uintptr)
	ForceWakeup(worldID uint32)
	Die()
	Sleep(ms int)
	IsSafeToBlock(worldID uint32) bool
	IsZombie(worldID uint32) bool
}

// IC is the interrupt controller contract (spec.md §6).
type IC interface {
	SendIPI(pcpu int, vector int)
	BroadcastIPI(vector int)
	BroadcastNMI()
	Mask(vector int)
	Unmask(vector int)
	MaskAndAck(vector int)
	Ack(vector int)
	Posted(vector int) bool
	Spurious(vector int) bool
	Steer(vector int, pcpu int) error
	PendingLocally(vector int) bool
	InServiceLocally(vector int) bool
}

// HelperQueue is the external blocking-work dispatcher (reap, heap
// release) the core hands bottom-half work to rather than block inline.
type HelperQueue interface {
	Request(queue string, fn func(arg any), arg any) error
}

// Config is the set of runtime-tunable options spec.md §6 names, plus a
// Debug flag. Timeouts, retry counts and heap bounds are package
// constants, not Config fields.
type Config struct {
	CPUCosMinCPU    int  `yaml:"cpu_cos_min_cpu"`
	KVMapEntriesLow int  `yaml:"kvmap_entries_low"`
	MinimalPanic    bool `yaml:"minimal_panic"`
	Debug           bool `yaml:"debug"`
}

// DefaultConfig mirrors the values a freshly booted vmkernel starts with.
func DefaultConfig() Config {
	return Config{
		CPUCosMinCPU:    1,
		KVMapEntriesLow: 64,
		MinimalPanic:    false,
		Debug:           false,
	}
}
