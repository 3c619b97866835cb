package tlb

import (
	"sync"
	"testing"
	"time"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/spinlock"
)

// fakeIC delivers IPIs synchronously in a goroutine, immediately invoking
// HandleIPI on every "remote" pcpu, which is enough to exercise the
// generation-numbered ack protocol without a real interrupt controller.
type fakeIC struct {
	mu       sync.Mutex
	numPCPUs int
	self     int
	state    *State
	nmis     int
}

func (f *fakeIC) SendIPI(pcpu int, vector int) {
	go f.state.HandleIPI(pcpu)
}

func (f *fakeIC) BroadcastIPI(vector int) {
	for p := 0; p < f.numPCPUs; p++ {
		if p == f.self {
			continue
		}
		go f.state.HandleIPI(p)
	}
}

func (f *fakeIC) BroadcastNMI() {
	f.mu.Lock()
	f.nmis++
	f.mu.Unlock()
}

func (f *fakeIC) Mask(int)                    {}
func (f *fakeIC) Unmask(int)                  {}
func (f *fakeIC) MaskAndAck(int)              {}
func (f *fakeIC) Ack(int)                     {}
func (f *fakeIC) Posted(int) bool             { return false }
func (f *fakeIC) Spurious(int) bool           { return false }
func (f *fakeIC) Steer(int, int) error        { return nil }
func (f *fakeIC) PendingLocally(int) bool     { return false }
func (f *fakeIC) InServiceLocally(int) bool   { return false }

func TestValidateThenGetMPNRoundTrip(t *testing.T) {
	ic := &fakeIC{numPCPUs: 4}
	s := New(ic, nil, 4, 1, 0, 1024)
	ic.state = s
	ctx := spinlock.NewLockContext()

	if err := s.Validate(ctx, 0, 0x1000, FlagNone); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// give the fake IC's goroutine-delivered IPIs a moment to land
	time.Sleep(50 * time.Millisecond)

	if got := s.GetMPN(mm.VPN2VA(0)); got != 0x1000 {
		t.Fatalf("GetMPN = %#x, want 0x1000", got)
	}
	for p := 1; p < 4; p++ {
		if s.perCPUFlushGen[p] != s.flushGen {
			t.Fatalf("pcpu %d perCPUFlushGen = %d, want %d", p, s.perCPUFlushGen[p], s.flushGen)
		}
	}
}

func TestInvalidateClearsMPN(t *testing.T) {
	ic := &fakeIC{numPCPUs: 1}
	s := New(ic, nil, 1, 1, 0, 1024)
	ic.state = s
	ctx := spinlock.NewLockContext()

	if err := s.Validate(ctx, 5, 0x2000, FlagNone); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := s.Invalidate(ctx, 5, FlagNone); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if got := s.GetMPN(mm.VPN2VA(5)); got != mm.InvalidMPN {
		t.Fatalf("GetMPN after invalidate = %#x, want InvalidMPN", got)
	}
}

func TestVPNOutsideRangeIsBadParam(t *testing.T) {
	ic := &fakeIC{numPCPUs: 1}
	s := New(ic, nil, 1, 1, 100, 200)
	ic.state = s
	ctx := spinlock.NewLockContext()
	if err := s.Validate(ctx, 50, 0x1000, FlagNone); err == nil {
		t.Fatal("expected bad_param for vpn outside [firstMapVPN, lastMapVPN]")
	}
}

func TestLocalOnlySkipsBroadcast(t *testing.T) {
	ic := &fakeIC{numPCPUs: 4}
	s := New(ic, nil, 4, 1, 0, 1024)
	ic.state = s
	ctx := spinlock.NewLockContext()

	if err := s.Validate(ctx, 0, 0x3000, FlagLocalOnly); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if s.flushCount != 0 {
		t.Fatalf("expected flushCount cleared immediately for a LOCALONLY call, got %d", s.flushCount)
	}
}
