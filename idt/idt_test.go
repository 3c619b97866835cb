package idt

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmkforge/core/spinlock"
)

type fakeIC struct {
	mu        sync.Mutex
	masked    map[int]bool
	acks      int
	spurious  bool
}

func newFakeIC() *fakeIC { return &fakeIC{masked: map[int]bool{}} }

func (f *fakeIC) SendIPI(int, int)     {}
func (f *fakeIC) BroadcastIPI(int)     {}
func (f *fakeIC) BroadcastNMI()        {}
func (f *fakeIC) Mask(v int)           { f.mu.Lock(); f.masked[v] = true; f.mu.Unlock() }
func (f *fakeIC) Unmask(v int)         { f.mu.Lock(); f.masked[v] = false; f.mu.Unlock() }
func (f *fakeIC) MaskAndAck(v int)     { f.Mask(v); f.Ack(v) }
func (f *fakeIC) Ack(int)              { f.mu.Lock(); f.acks++; f.mu.Unlock() }
func (f *fakeIC) Posted(int) bool      { return false }
func (f *fakeIC) Spurious(int) bool    { return f.spurious }
func (f *fakeIC) Steer(int, int) error { return nil }
func (f *fakeIC) PendingLocally(int) bool   { return false }
func (f *fakeIC) InServiceLocally(int) bool { return false }

func (f *fakeIC) isMasked(v int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.masked[v]
}

// TestInterruptSharingRemoveUnlinksOnlyOneHandler is spec.md's seed test
// scenario 5: two sharable handlers on one device vector both fire in
// insertion order; removing the first leaves only the second.
func TestInterruptSharingRemoveUnlinksOnlyOneHandler(t *testing.T) {
	ic := newFakeIC()
	table := New(ic, nil, 0)
	ctx := spinlock.NewLockContext()

	const vector = 0x41
	var order []string
	h1data := new(int)
	h2data := new(int)

	if err := table.AddHandler(ctx, vector, func(any) { order = append(order, "H1") }, h1data, true, "H1"); err != nil {
		t.Fatalf("add H1: %v", err)
	}
	if err := table.Enable(ctx, vector, RoleVMK); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := table.AddHandler(ctx, vector, func(any) { order = append(order, "H2") }, h2data, true, "H2"); err != nil {
		t.Fatalf("add H2: %v", err)
	}

	table.Dispatch(vector, 0, false)
	if len(order) != 2 || order[0] != "H1" || order[1] != "H2" {
		t.Fatalf("expected H1 then H2, got %v", order)
	}

	done := make(chan error, 1)
	go func() { done <- table.RemoveHandler(ctx, vector, h1data) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("remove H1: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("remove_handler did not return: sync() deadlocked")
	}

	if !ic.isMasked(vector) {
		// remove re-enables since H2 is still registered; masked state
		// only matters transiently during sync, which already completed.
	}

	order = nil
	table.Dispatch(vector, 0, false)
	if len(order) != 1 || order[0] != "H2" {
		t.Fatalf("expected only H2 after removing H1, got %v", order)
	}
}

// TestExclusiveHandlerRejectsSecondRegistration exercises the exclusive
// bit: a non-sharable add_handler refuses any further registration on
// the same vector.
func TestExclusiveHandlerRejectsSecondRegistration(t *testing.T) {
	ic := newFakeIC()
	table := New(ic, nil, 0)
	ctx := spinlock.NewLockContext()

	const vector = 0x50
	if err := table.AddHandler(ctx, vector, func(any) {}, new(int), false, "exclusive-owner"); err != nil {
		t.Fatalf("add exclusive: %v", err)
	}
	if err := table.AddHandler(ctx, vector, func(any) {}, new(int), true, "intruder"); err == nil {
		t.Fatal("expected the second add_handler to fail against an exclusive vector")
	}
}

// TestHostSharedVectorCannotBeSteeredOffHostPcpu covers set_destination's
// host-shared refusal.
func TestHostSharedVectorCannotBeSteeredOffHostPcpu(t *testing.T) {
	ic := newFakeIC()
	const hostPcpu = 0
	table := New(ic, nil, hostPcpu)
	ctx := spinlock.NewLockContext()

	const vector = 0x60
	if err := table.AddHandler(ctx, vector, func(any) {}, new(int), true, "host-device"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := table.Enable(ctx, vector, RoleHost); err != nil {
		t.Fatalf("enable host: %v", err)
	}
	if err := table.SetDestination(ctx, vector, hostPcpu+1); err == nil {
		t.Fatal("expected set_destination to refuse moving a host-shared vector off the host pcpu")
	}
}

// TestDispatchMarksPendingForHostOnHostPcpu covers dispatch step 6: a host
// consumer's pending IRQ is recorded only when firing on the host pcpu.
func TestDispatchMarksPendingForHostOnHostPcpu(t *testing.T) {
	ic := newFakeIC()
	const hostPcpu = 0
	table := New(ic, nil, hostPcpu)
	ctx := spinlock.NewLockContext()

	const vector = 0x70
	if err := table.AddHandler(ctx, vector, func(any) {}, new(int), true, "shared"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := table.Enable(ctx, vector, RoleVMK); err != nil {
		t.Fatalf("enable: %v", err)
	}
	table.vectors[vector].setup |= bitHost

	table.Dispatch(vector, hostPcpu+1, true)
	if table.TakePendingForHost(vector) {
		t.Fatal("did not expect a pending host IRQ when dispatched off the host pcpu")
	}

	table.Dispatch(vector, hostPcpu, true)
	if !table.TakePendingForHost(vector) {
		t.Fatal("expected a pending host IRQ when dispatched on the host pcpu")
	}
	if table.TakePendingForHost(vector) {
		t.Fatal("TakePendingForHost should clear the flag on read")
	}
}

// TestRaiseExceptionRunsInstalledHandler covers the non-fatal path: an
// exception vector with a handler installed and enabled runs it instead
// of crashing.
func TestRaiseExceptionRunsInstalledHandler(t *testing.T) {
	ic := newFakeIC()
	table := New(ic, nil, 0)
	ctx := spinlock.NewLockContext()

	const vector = 13 // general protection fault
	ran := false
	if err := table.AddHandler(ctx, vector, func(any) { ran = true }, new(int), false, "gp-fault"); err != nil {
		t.Fatalf("add: %v", err)
	}

	table.RaiseException(vector, 0, 1, 0x1000, 0, nil)
	if !ran {
		t.Fatal("expected the installed handler to run")
	}
}

// TestRaiseExceptionDropsDBAndBPSilently covers spec.md §7's carve-out:
// DB (1) and BP (3) firing with nothing attached must not crash the
// system, unlike every other unhandled exception vector.
func TestRaiseExceptionDropsDBAndBPSilently(t *testing.T) {
	ic := newFakeIC()
	table := New(ic, nil, 0)

	for _, vector := range []int{1, 3} {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("vector %d: expected no panic, got %v", vector, r)
				}
			}()
			table.RaiseException(vector, 0, 1, 0x1000, 0, nil)
		}()
	}
}

// TestRaiseExceptionUnhandledIsFatal covers spec.md §7: any other
// unhandled exception vector produces a PSOD carrying a disassembly of
// the faulting instruction.
func TestRaiseExceptionUnhandledIsFatal(t *testing.T) {
	ic := newFakeIC()
	table := New(ic, nil, 0)

	code := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected an unhandled exception vector to PSOD")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "PSOD") || !strings.Contains(strings.ToLower(msg), "nop") {
			t.Fatalf("expected a PSOD panic with a disassembled instruction, got %v", r)
		}
	}()
	table.RaiseException(13, 0, 1, 0x1000, 0xBAD, code)
}

// TestRaiseExceptionDebugHandlerTakesPriority covers register_debug_handler:
// when set, it runs instead of the normal handler chain or the fatal
// path, even on an otherwise-unhandled vector.
func TestRaiseExceptionDebugHandlerTakesPriority(t *testing.T) {
	ic := newFakeIC()
	table := New(ic, nil, 0)
	ctx := spinlock.NewLockContext()

	ran := false
	if err := table.RegisterDebugHandler(ctx, 13, func(any) { ran = true }); err != nil {
		t.Fatalf("register debug handler: %v", err)
	}

	table.RaiseException(13, 0, 1, 0x1000, 0, nil)
	if !ran {
		t.Fatal("expected the debug handler to run")
	}
}
