package simhost

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
)

func TestFramePoolAllocFreeRoundTrip(t *testing.T) {
	p, err := NewFramePool(1024)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	defer p.Close()

	mpn, err := p.Alloc(platform.ClassAny, 0, 0, context.Background())
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf := p.Bytes(mpn)
	buf[0] = 0xAB
	if p.Bytes(mpn)[0] != 0xAB {
		t.Fatal("expected frame contents to persist across Bytes() calls")
	}
	p.Free(mpn)
}

func TestFramePoolAllocFailsAfterOnlyLargePageTaken(t *testing.T) {
	framesPerLarge := mm.LargePageSize / mm.PageSize
	p, err := NewFramePool(framesPerLarge)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	defer p.Close()

	large, err := p.AllocLarge(platform.ClassAny, 0, 0, context.Background())
	if err != nil {
		t.Fatalf("alloc large: %v", err)
	}
	if large != 0 {
		t.Fatalf("expected the first large page at mpn 0, got %d", large)
	}
	if _, err := p.Alloc(platform.ClassAny, 0, 0, context.Background()); err == nil {
		t.Fatal("expected exhaustion: the only large page was already taken")
	}
}

func TestXMapMapUnmapVA2MPN(t *testing.T) {
	p, err := NewFramePool(16)
	if err != nil {
		t.Fatalf("NewFramePool: %v", err)
	}
	defer p.Close()
	x := NewXMapTable(p, 0x10000000, 1024)

	mpn, _ := p.Alloc(platform.ClassAny, 0, 0, context.Background())
	va, err := x.Map(1, []platform.XMapRange{{StartMPN: mpn, NMPNs: 1}})
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if got := x.VA2MPN(va); got != mpn {
		t.Fatalf("VA2MPN = %d, want %d", got, mpn)
	}
	x.Bytes(va)[0] = 0x7
	if p.Bytes(mpn)[0] != 0x7 {
		t.Fatal("expected XMapTable.Bytes to alias the same backing frame")
	}
	if err := x.Unmap(1, va); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if got := x.VA2MPN(va); got != mm.InvalidMPN {
		t.Fatalf("VA2MPN after unmap = %d, want InvalidMPN", got)
	}
}

func TestSchedulerWaitWakeup(t *testing.T) {
	s := NewScheduler()
	s.AddRunning(42)

	done := make(chan platform.CancelStatus, 1)
	var mu sync.Mutex
	mu.Lock()
	go func() {
		done <- s.Wait(42, platform.WaitClassGeneric, func() { mu.Unlock() })
	}()
	time.Sleep(20 * time.Millisecond)
	s.Wakeup(42)

	select {
	case status := <-done:
		if status != platform.NotCancelled {
			t.Fatalf("expected NotCancelled, got %v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Wakeup")
	}
	if !s.IsZombie(42) {
		t.Fatal("expected Wakeup to mark the event zombie/satisfied")
	}
}

func TestSchedulerForceWakeupCancels(t *testing.T) {
	s := NewScheduler()
	done := make(chan platform.CancelStatus, 1)
	go func() { done <- s.Wait(7, platform.WaitClassWorldDeath, nil) }()
	time.Sleep(20 * time.Millisecond)
	s.ForceWakeup(7)

	select {
	case status := <-done:
		if status != platform.Cancelled {
			t.Fatalf("expected Cancelled, got %v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after ForceWakeup")
	}
}

func TestICDispatchesToTargetPCPU(t *testing.T) {
	var mu sync.Mutex
	fired := map[int]int{}
	ic := NewIC(4, func(pcpu, vector int) {
		mu.Lock()
		fired[pcpu] = vector
		mu.Unlock()
	})
	ic.Unmask(0x41)
	ic.SendIPI(2, 0x41)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired[2] != 0x41 {
		t.Fatalf("expected vector 0x41 dispatched to pcpu 2, got %v", fired)
	}
}

func TestHelperQueueRunsWork(t *testing.T) {
	h := NewHelperQueue(2)
	done := make(chan struct{})
	if err := h.Request("reap", func(arg any) {
		close(done)
	}, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("helper work never ran")
	}
}

// TestHelperQueueCloseDrainsAllQueues covers Close fanning out over every
// named queue and waiting for each one's workers to exit before
// returning.
func TestHelperQueueCloseDrainsAllQueues(t *testing.T) {
	h := NewHelperQueue(1)
	var mu sync.Mutex
	ran := map[string]bool{}
	for _, q := range []string{"reap", "release"} {
		q := q
		if err := h.Request(q, func(arg any) {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			ran[q] = true
			mu.Unlock()
		}, nil); err != nil {
			t.Fatalf("request %s: %v", q, err)
		}
	}

	if err := h.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !ran["reap"] || !ran["release"] {
		t.Fatalf("expected both queues to drain before Close returned, got %v", ran)
	}
}

// TestHelperQueueCloseRespectsContextDeadline covers Close returning the
// context's error when a queue's work outlives the shutdown deadline.
func TestHelperQueueCloseRespectsContextDeadline(t *testing.T) {
	h := NewHelperQueue(1)
	started := make(chan struct{})
	if err := h.Request("slow", func(arg any) {
		close(started)
		time.Sleep(200 * time.Millisecond)
	}, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := h.Close(ctx); err == nil {
		t.Fatal("expected Close to report the deadline exceeding the slow queue's drain")
	}
}
