package world

import (
	"testing"

	"github.com/vmkforge/core/spinlock"
)

func TestVMMGroupLeaderReaderPin(t *testing.T) {
	l := newTestLifecycle()
	ctx := spinlock.NewLockContext()

	leader, err := l.Create(ctx, &InitArgs{Flags: FlagVMM, GroupLeader: 0})
	if err != nil {
		t.Fatalf("create leader: %v", err)
	}

	member, err := l.Create(ctx, &InitArgs{Flags: FlagVMM, GroupLeader: leader.WorldID})
	if err != nil {
		t.Fatalf("create member: %v", err)
	}
	if member.Group == nil || member.Group.VMMLeader != leader.WorldID {
		t.Fatalf("member did not join leader's group: %+v", member.Group)
	}

	leader.mu.Lock()
	readers := leader.ReaderCount
	leader.mu.Unlock()
	if readers < 1 {
		t.Fatalf("expected vmmLeader.readerCount >= 1 while non-leader member is in_use, got %d", readers)
	}
}

func TestVMMPanicPostsExactlyOnce(t *testing.T) {
	l := newTestLifecycle()
	ctx := spinlock.NewLockContext()

	a, err := l.Create(ctx, &InitArgs{Flags: FlagVMM, GroupLeader: 0})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := l.Create(ctx, &InitArgs{Flags: FlagVMM, GroupLeader: a.WorldID})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	l.Panic(ctx, a, "X")
	l.Panic(ctx, b, "Y") // second caller must not win

	a.Group.mu.Lock()
	state := a.Group.PanicState
	panicker := a.Group.PanickyWorld
	msg := a.Group.PanicMsg
	a.Group.mu.Unlock()
	if state != PanicBegin {
		t.Fatalf("expected panicState == begin after first panic, got %v", state)
	}
	if panicker != a.WorldID || msg != "X" {
		t.Fatalf("expected world %d's message to win, got world %d msg %q", a.WorldID, panicker, msg)
	}

	poster := &fakePoster{}
	l.AfterPanic(ctx, a, poster)
	l.AfterPanic(ctx, b, poster)

	if poster.calls != 1 {
		t.Fatalf("expected exactly one VMKEVENT_PANIC post, got %d", poster.calls)
	}
	if poster.msg != "X" {
		t.Fatalf("expected posted message %q, got %q", "X", poster.msg)
	}
}
