package spinlock

import "testing"

func TestOrderingEnforced(t *testing.T) {
	ctx := NewLockContext()
	worldTable := New("worldTable", RankWorldTable)
	idt := New("idt", RankIDT)

	worldTable.Lock(ctx)
	idt.Lock(ctx)
	idt.Unlock(ctx)
	worldTable.Unlock(ctx)
}

func TestOrderingViolationPanics(t *testing.T) {
	ctx := NewLockContext()
	idt := New("idt", RankIDT)
	worldTable := New("worldTable", RankWorldTable)

	idt.Lock(ctx)
	defer idt.Unlock(ctx)

	defer func() {
		if recover() == nil {
			t.Fatal("expected rank-order panic acquiring a higher-rank lock after a lower-rank one")
		}
	}()
	worldTable.Lock(ctx)
}

func TestTryLock(t *testing.T) {
	l := New("l", RankHeapMgr)
	if !l.TryLock(nil) {
		t.Fatal("expected first TryLock to succeed")
	}
	if l.TryLock(nil) {
		t.Fatal("expected second TryLock to fail while held")
	}
	l.Unlock(nil)
	if !l.TryLock(nil) {
		t.Fatal("expected TryLock to succeed after unlock")
	}
	l.Unlock(nil)
}
