// Package idt implements spec.md component F: ownership of the x86
// interrupt vector table, shared between the host OS and the vmkernel,
// with per-vector handler chains, masking, and synchronized removal.
package idt

import (
	"fmt"
	"log"
	"sync"

	"github.com/vmkforge/core/platform"
	"github.com/vmkforge/core/spinlock"
	"github.com/vmkforge/core/vmkerr"
)

// NumVectors is the size of a 32-bit x86 IDT.
const NumVectors = 256

// NumExceptionVectors is how many low vectors are architectural
// exceptions rather than external/IPI/device vectors.
const NumExceptionVectors = 32

// Role distinguishes the two consumer classes a vector's state is split
// by.
type Role int

const (
	RoleHost Role = iota
	RoleVMK
)

type roleBits uint8

const (
	bitHost roleBits = 1 << RoleHost
	bitVMK  roleBits = 1 << RoleVMK
)

func (r Role) bit() roleBits {
	if r == RoleHost {
		return bitHost
	}
	return bitVMK
}

// HandlerFunc is a registered interrupt handler.
type HandlerFunc func(clientData any)

type handlerEntry struct {
	fn         HandlerFunc
	clientData any
	name       string
}

// vectorState is the per-vector record spec.md §3 describes.
type vectorState struct {
	setup     roleBits
	enabled   roleBits
	exclusive roleBits
	sharable  bool
	irq       int
	destPcpu  int
	inHandler int // count of pcpus currently running this vector's chain

	handlers []handlerEntry
	debugFn  HandlerFunc // register_debug_handler, vectors < 32 only
}

// Table owns every vector's state plus the external interrupt
// controller and scheduler collaborators dispatch needs.
type Table struct {
	lock *spinlock.Spinlock
	ic   platform.IC
	sched platform.Scheduler
	hostPcpu int

	mu     sync.Mutex // guards vectors[] alongside lock, for the sync() wait/notify path
	cond   *sync.Cond
	vectors [NumVectors]vectorState

	pendingForHost [NumVectors]bool
}

// New builds an IDT table with no handlers registered. hostPcpu is the
// pcpu the host role's shared vectors are always steered to.
func New(ic platform.IC, sched platform.Scheduler, hostPcpu int) *Table {
	t := &Table{
		lock:     spinlock.New("idtLock", spinlock.RankIDT),
		ic:       ic,
		sched:    sched,
		hostPcpu: hostPcpu,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// AddHandler implements spec.md §4.3's add_handler: fails if the vector
// is exclusively owned by the vmkernel role already; on first
// installation marks the vector setup for VMK and auto-enables
// CPU-internal (exception) vectors.
func (t *Table) AddHandler(ctx *spinlock.LockContext, vector int, fn HandlerFunc, clientData any, sharable bool, name string) error {
	if vector < 0 || vector >= NumVectors {
		return vmkerr.New(vmkerr.BadParam, "idt: vector %d out of range", vector)
	}
	t.lock.Lock(ctx)
	defer t.lock.Unlock(ctx)

	v := &t.vectors[vector]
	if v.exclusive&bitVMK != 0 && len(v.handlers) > 0 {
		return vmkerr.New(vmkerr.NoResources, "idt: vector %d already exclusively owned by vmkernel", vector)
	}
	if len(v.handlers) > 0 && v.sharable != sharable {
		return vmkerr.New(vmkerr.BadParam, "idt: vector %d sharable flag mismatch with existing handlers", vector)
	}
	v.sharable = sharable
	if !sharable {
		v.exclusive |= bitVMK
	}
	v.setup |= bitVMK
	v.handlers = append(v.handlers, handlerEntry{fn: fn, clientData: clientData, name: name})

	if vector < NumExceptionVectors {
		v.enabled |= bitVMK
	}
	return nil
}

// RemoveHandler implements spec.md §4.3's remove_handler: masks the
// vector, synchronizes it, unlinks the matching entry, and clears the
// exclusive bit if no handlers remain, re-enabling only if others still
// need it.
func (t *Table) RemoveHandler(ctx *spinlock.LockContext, vector int, clientData any) error {
	if vector < 0 || vector >= NumVectors {
		return vmkerr.New(vmkerr.BadParam, "idt: vector %d out of range", vector)
	}
	t.ic.Mask(vector)
	if err := t.sync(vector); err != nil {
		return err
	}

	t.lock.Lock(ctx)
	v := &t.vectors[vector]
	for i, h := range v.handlers {
		if h.clientData == clientData {
			v.handlers = append(v.handlers[:i], v.handlers[i+1:]...)
			break
		}
	}
	if len(v.handlers) == 0 {
		v.exclusive &^= bitVMK
		v.enabled &^= bitVMK
	}
	stillNeeded := v.enabled != 0
	t.lock.Unlock(ctx)

	if stillNeeded {
		t.ic.Unmask(vector)
	}
	return nil
}

// sync implements spec.md §4.3's sync: waits until no pcpu is executing
// this vector's handler chain. It does not detect being called from
// inside that chain: a handler that removes its own vector blocks here
// forever.
func (t *Table) sync(vector int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.vectors[vector].inHandler > 0 {
		t.cond.Wait()
	}
	return nil
}

// Enable implements spec.md §4.3's enable: sets the enabled bit for role,
// steering the vector to the host pcpu first when role is host.
func (t *Table) Enable(ctx *spinlock.LockContext, vector int, role Role) error {
	if role == RoleHost {
		if err := t.SetDestination(ctx, vector, t.hostPcpu); err != nil {
			return err
		}
	}
	t.lock.Lock(ctx)
	t.vectors[vector].enabled |= role.bit()
	t.lock.Unlock(ctx)
	t.ic.Unmask(vector)
	return nil
}

// Disable implements spec.md §4.3's disable.
func (t *Table) Disable(ctx *spinlock.LockContext, vector int, role Role) {
	t.lock.Lock(ctx)
	t.vectors[vector].enabled &^= role.bit()
	stillNeeded := t.vectors[vector].enabled != 0
	t.lock.Unlock(ctx)
	if !stillNeeded {
		t.ic.Mask(vector)
	}
}

// SetDestination implements spec.md §4.3's set_destination: refuses to
// move a host-shared vector off the host pcpu.
func (t *Table) SetDestination(ctx *spinlock.LockContext, vector int, pcpu int) error {
	t.lock.Lock(ctx)
	v := &t.vectors[vector]
	if v.enabled&bitHost != 0 && pcpu != t.hostPcpu {
		t.lock.Unlock(ctx)
		return vmkerr.New(vmkerr.BadParam, "idt: vector %d is host-shared, cannot steer off the host pcpu", vector)
	}
	v.destPcpu = pcpu
	t.lock.Unlock(ctx)
	return t.ic.Steer(vector, pcpu)
}

// RegisterDebugHandler implements spec.md §4.3's register_debug_handler:
// single-slot registration for debugger-entry-on-exception, exception
// vectors only.
func (t *Table) RegisterDebugHandler(ctx *spinlock.LockContext, vector int, fn HandlerFunc) error {
	if vector < 0 || vector >= NumExceptionVectors {
		return vmkerr.New(vmkerr.BadParam, "idt: debug handlers only registrable on exception vectors (<%d)", NumExceptionVectors)
	}
	t.lock.Lock(ctx)
	t.vectors[vector].debugFn = fn
	t.lock.Unlock(ctx)
	return nil
}

// Dispatch implements spec.md §4.3's dispatch pipeline for a single
// interrupt firing on currentPcpu. edge indicates an edge-triggered
// source (ack before running handlers) versus level-triggered (ack
// after, and mask if host handlers still have to run).
func (t *Table) Dispatch(vector int, currentPcpu int, edge bool) {
	t.mu.Lock()
	t.vectors[vector].inHandler++
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.vectors[vector].inHandler--
		t.cond.Broadcast()
		t.mu.Unlock()
	}()

	t.lock.Lock(nil)
	v := &t.vectors[vector]
	enabled := v.enabled
	handlers := append([]handlerEntry(nil), v.handlers...)
	hostWants := v.setup&bitHost != 0
	t.lock.Unlock(nil)

	if enabled == 0 {
		if t.ic.Spurious(vector) {
			return
		}
		log.Printf("idt: vector %d fired with no enabled role and not flagged spurious", vector)
		return
	}

	if edge {
		t.ic.Ack(vector)
	}

	for _, h := range handlers {
		if t.sched != nil {
			t.sched.DisablePreemption()
		}
		h.fn(h.clientData)
		if t.sched != nil {
			t.sched.RestorePreemption()
		}
	}

	if hostWants && currentPcpu == t.hostPcpu {
		t.mu.Lock()
		t.pendingForHost[vector] = true
		t.mu.Unlock()
	}

	if !edge {
		if hostWants && currentPcpu == t.hostPcpu {
			t.ic.Mask(vector)
		}
		t.ic.Ack(vector)
	}
}

// RaiseException delivers a CPU-internal exception vector (< NumExceptionVectors),
// per spec.md §7: a debug handler gets it first, then the normal handler
// chain if one is installed and enabled. An exception vector with no
// handler is architecturally fatal, except DB (1) and BP (3), which are
// expected to sometimes fire with nothing attached (no debugger present)
// and are silently dropped rather than crashing the system. code, when
// non-nil, is the faulting instruction's raw bytes for the PSOD's
// disassembly.
func (t *Table) RaiseException(vector, currentPcpu int, worldID uint32, eip, errCode uint32, code []byte) {
	if vector < 0 || vector >= NumExceptionVectors {
		return
	}
	t.lock.Lock(nil)
	v := &t.vectors[vector]
	enabled := v.enabled
	handlers := append([]handlerEntry(nil), v.handlers...)
	debugFn := v.debugFn
	t.lock.Unlock(nil)

	if debugFn != nil {
		debugFn(nil)
		return
	}

	if enabled != 0 && len(handlers) > 0 {
		for _, h := range handlers {
			if t.sched != nil {
				t.sched.DisablePreemption()
			}
			h.fn(h.clientData)
			if t.sched != nil {
				t.sched.RestorePreemption()
			}
		}
		return
	}

	if vector == 1 || vector == 3 {
		return
	}
	platform.PSOD(fmt.Sprintf("unhandled exception vector %d", vector), platform.Snapshot{
		WorldID: worldID,
		Vector:  vector,
		EIP:     eip,
		ErrCode: errCode,
		Code:    code,
	})
}

// TakePendingForHost reports and clears whether vector has a pending IRQ
// recorded for the host role by the last dispatch on the host pcpu.
func (t *Table) TakePendingForHost(vector int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending := t.pendingForHost[vector]
	t.pendingForHost[vector] = false
	return pending
}
