// Package tlb implements spec.md component E: the serialized,
// generation-numbered cross-CPU TLB invalidation protocol over a
// broadcast/unicast IPI, backed by a single mutable master[] PTE array
// covering the kernel-mapping window.
package tlb

import (
	"log"
	"sync"
	"time"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/spinlock"
	"github.com/vmkforge/core/vmkerr"
)

// FlushVPN is the sentinel meaning "flush the whole TLB" rather than one
// page.
const FlushVPN = mm.VPN(0xFFFFFFFF)

// Tuning constants from spec.md §4.2.
const (
	MaxRetries     = 50
	InvalWaitMS    = 20
	MaxPCPUs       = 64
)

// Flags modify validate/invalidate/flush calls.
type Flags uint32

const (
	FlagNone      Flags = 0
	FlagUncached  Flags = 1 << 0
	FlagLocalOnly Flags = 1 << 1
)

// invalVector is the dedicated IPI vector the TLB module registers
// through the IDT at boot to carry invalidation requests.
const invalVector = 0xF1

// State is the TLB coherence state spec.md §3 describes: the master PTE
// array, the shared first page directory MPN, and the invalidation
// protocol's in-flight bookkeeping.
type State struct {
	ic       platform.IC
	sched    platform.Scheduler
	numPCPUs int
	isSMP    bool

	firstPageDir mm.MPN
	firstMapVPN  mm.VPN
	lastMapVPN   mm.VPN
	master       []mm.PTE

	invLock              *spinlock.Spinlock
	invalidateInProgress bool
	flushVPN             mm.VPN
	flushCount           int
	flushGen             uint64
	perCPUFlushGen       [MaxPCPUs]uint64

	mu sync.Mutex // guards invalidateInProgress's wait/wakeup condition
	cond *sync.Cond
}

// New constructs TLB state covering [firstMapVPN, lastMapVPN], with
// firstPageDir the MPN every world's page root links its first directory
// to.
func New(ic platform.IC, sched platform.Scheduler, numPCPUs int, firstPageDir mm.MPN, firstMapVPN, lastMapVPN mm.VPN) *State {
	s := &State{
		ic: ic, sched: sched, numPCPUs: numPCPUs, isSMP: numPCPUs > 1,
		firstPageDir: firstPageDir, firstMapVPN: firstMapVPN, lastMapVPN: lastMapVPN,
		master:  make([]mm.PTE, lastMapVPN-firstMapVPN+1),
		invLock: spinlock.New("invLock", spinlock.RankInvalidate),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *State) index(vpn mm.VPN) (int, error) {
	if vpn < s.firstMapVPN || vpn > s.lastMapVPN {
		return 0, vmkerr.New(vmkerr.BadParam, "tlb: vpn %d outside [%d,%d]", vpn, s.firstMapVPN, s.lastMapVPN)
	}
	return int(vpn - s.firstMapVPN), nil
}

// Validate implements spec.md §4.2's validate: installs a present PTE at
// master[vpn-firstMapVPN], invalidates locally, and broadcasts unless
// LOCALONLY.
func (s *State) Validate(ctx *spinlock.LockContext, vpn mm.VPN, mpn mm.MPN, flags Flags) error {
	idx, err := s.index(vpn)
	if err != nil {
		return err
	}
	pteFlags := mm.PTEPresent | mm.PTEWritable // kernel-mapping window: never PTEUser
	if flags&FlagUncached != 0 {
		pteFlags |= mm.PTECacheDisable
	}
	mm.Store(&s.master[idx], mm.NewPTE(mpn, pteFlags))
	return s.doInvalidate(ctx, vpn, -1, flags)
}

// Invalidate implements spec.md §4.2's invalidate: clears the PTE's low
// half (the high half is don't-care once present is clear), invalidates
// locally, and broadcasts unless LOCALONLY.
func (s *State) Invalidate(ctx *spinlock.LockContext, vpn mm.VPN, flags Flags) error {
	idx, err := s.index(vpn)
	if err != nil {
		return err
	}
	mm.Clear(&s.master[idx])
	return s.doInvalidate(ctx, vpn, -1, flags)
}

// Flush implements spec.md §4.2's flush: a full local TLB reload,
// broadcasting the FlushVPN marker unless LOCALONLY.
func (s *State) Flush(ctx *spinlock.LockContext, flags Flags) error {
	return s.doInvalidate(ctx, FlushVPN, -1, flags)
}

// FlushPCPU implements spec.md §4.2's flush_pcpu: a targeted unicast
// variant of Flush. Unless the caller also passes FlagLocalOnly, it still
// waits for pcpuNum's ack — only the IPI's fan-out is unicast, not the
// need to confirm completion.
func (s *State) FlushPCPU(ctx *spinlock.LockContext, pcpuNum int, flags Flags) error {
	return s.doInvalidate(ctx, FlushVPN, pcpuNum, flags|flagUnicastSentinel)
}

// flagUnicastSentinel marks a request as unicast (one specific remote
// pcpu) rather than a full broadcast; doInvalidate strips it before
// evaluating the caller-visible Flags.
const flagUnicastSentinel Flags = 1 << 30

// GetMPN implements spec.md §4.2's get_mpn: reads master[] and returns
// its MPN iff present, else INVALID_MPN.
func (s *State) GetMPN(va mm.VA) mm.MPN {
	vpn := mm.VA2VPN(va)
	idx, err := s.index(vpn)
	if err != nil {
		return mm.InvalidMPN
	}
	pte := mm.Load(&s.master[idx])
	if !pte.Present() {
		return mm.InvalidMPN
	}
	return pte.MPN()
}

// doInvalidate runs the full protocol from spec.md §4.2: acquire invLock,
// wait out any in-flight invalidation, claim the slot, release the lock,
// then repeatedly IPI and spin-wait for acks, escalating to an NMI-backed
// fatal diagnostic if 50 retries all time out.
func (s *State) doInvalidate(ctx *spinlock.LockContext, vpn mm.VPN, pcpuNum int, flags Flags) error {
	unicast := pcpuNum >= 0 || flags&flagUnicastSentinel != 0
	flags &^= flagUnicastSentinel

	s.invLock.Lock(ctx)
	for s.invalidateInProgress {
		s.invLock.Unlock(ctx)
		s.mu.Lock()
		s.cond.Wait()
		s.mu.Unlock()
		s.invLock.Lock(ctx)
	}
	s.invalidateInProgress = true
	if unicast {
		s.flushCount = 1
	} else {
		s.flushCount = s.numPCPUs - 1
	}
	s.flushVPN = vpn
	s.flushGen++
	gen := s.flushGen
	s.invLock.Unlock(ctx)

	s.localInvalidate(vpn)

	if flags&FlagLocalOnly == 0 && s.isSMP && s.flushCount > 0 {
		if err := s.broadcastAndWait(unicast, pcpuNum); err != nil {
			return err
		}
	} else {
		s.invLock.Lock(ctx)
		s.flushCount = 0
		s.invLock.Unlock(ctx)
	}

	s.invLock.Lock(ctx)
	s.invalidateInProgress = false
	s.invLock.Unlock(ctx)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	_ = gen
	return nil
}

// localInvalidate is the architectural invlpg/full-reload the current
// pcpu performs immediately, independent of the broadcast protocol.
func (s *State) localInvalidate(vpn mm.VPN) {
	// Modeled as a no-op: this core has no real TLB to flush. Concrete
	// platform.IC implementations that care observe it only through the
	// IPI handler path below.
}

// broadcastAndWait sends the IPI up to MaxRetries times, each time
// spinning up to InvalWaitMS for flushCount to reach zero. If every
// retry times out, it broadcasts an NMI to capture backtraces and PSODs.
func (s *State) broadcastAndWait(unicast bool, pcpuNum int) error {
	for attempt := 0; attempt < MaxRetries; attempt++ {
		if unicast {
			s.ic.SendIPI(pcpuNum, invalVector)
		} else {
			s.ic.BroadcastIPI(invalVector)
		}

		deadline := time.Now().Add(InvalWaitMS * time.Millisecond)
		for time.Now().Before(deadline) {
			s.invLock.Lock(nil)
			done := s.flushCount == 0
			s.invLock.Unlock(nil)
			if done {
				return nil
			}
			time.Sleep(100 * time.Microsecond)
		}
		log.Printf("tlb: invalidation missed deadline on attempt %d/%d, flushCount=%d", attempt+1, MaxRetries, s.flushCount)
	}

	s.ic.BroadcastNMI()
	platform.PSOD("tlb: invalidation failed to complete after all retries", platform.Snapshot{})
	return vmkerr.New(vmkerr.Failure, "unreachable: PSOD does not return")
}

// HandleIPI is the target handler spec.md §4.2 describes, run on each
// remote pcpu in response to the dedicated invalidation IPI vector. The
// generation counter ensures each remote CPU decrements flushCount at
// most once per invalidation, even under spurious re-delivery.
func (s *State) HandleIPI(pcpu int) {
	s.invLock.Lock(nil)
	if !s.invalidateInProgress || s.perCPUFlushGen[pcpu] >= s.flushGen {
		s.invLock.Unlock(nil)
		return
	}
	s.perCPUFlushGen[pcpu] = s.flushGen
	s.flushCount--
	vpn := s.flushVPN
	s.invLock.Unlock(nil)

	s.localInvalidate(vpn)
}
