// Package spinlock implements spec.md §5's ranked IRQ-safe spinlocks: a
// thin sync.Mutex with a declared rank, plus a per-caller ordering check
// that runs whenever a LockContext is passed. Real IRQ masking has no
// meaning in a hosted Go process, and Lock neither masks interrupts nor
// disables preemption; it only takes the mutex, matching the teacher's
// habit (devices/pic.go) of guarding device state with a single mutex per
// device rather than inventing new synchronization primitives.
package spinlock

import "sync"

// Rank orders the locks spec.md §5 lists. Acquisition must proceed in
// strictly decreasing rank (highest rank first); a LockContext passed to
// Lock enforces this.
type Rank int

const (
	RankWorldTable     Rank = 60
	RankWorldDeath     Rank = 50
	RankInvalidate     Rank = 40
	RankIDT            Rank = 30
	RankHeapMgr        Rank = 20
	RankReleaseSchedul Rank = 10
)

// LockContext tracks the ranks currently held by one logical caller (one
// simulated pcpu, in practice). Passing nil to Lock/Unlock disables the
// ordering check, for call sites that don't have a LockContext handy (unit
// tests exercising a single lock in isolation).
type LockContext struct {
	held []Rank
}

// NewLockContext returns an empty per-caller lock-ordering tracker.
func NewLockContext() *LockContext { return &LockContext{} }

// Spinlock is a named, ranked mutual-exclusion lock.
type Spinlock struct {
	Name string
	rank Rank
	mu   sync.Mutex
}

// New declares a spinlock at the given rank.
func New(name string, rank Rank) *Spinlock {
	return &Spinlock{Name: name, rank: rank}
}

// Rank returns the lock's declared rank.
func (l *Spinlock) Rank() Rank { return l.rank }

// Lock acquires the lock. If ctx is non-nil, it first asserts every rank
// ctx currently holds is strictly greater than l.rank — violating that
// ordering is a programming error that panics rather than silently
// allowing a lock-order deadlock.
func (l *Spinlock) Lock(ctx *LockContext) {
	if ctx != nil {
		for _, held := range ctx.held {
			if held <= l.rank {
				panic("spinlock: rank order violation: " + l.Name + " acquired after a lock of equal or lower rank")
			}
		}
	}
	l.mu.Lock()
	if ctx != nil {
		ctx.held = append(ctx.held, l.rank)
	}
}

// Unlock releases the lock, popping it from ctx's held stack.
func (l *Spinlock) Unlock(ctx *LockContext) {
	if ctx != nil {
		for i := len(ctx.held) - 1; i >= 0; i-- {
			if ctx.held[i] == l.rank {
				ctx.held = append(ctx.held[:i], ctx.held[i+1:]...)
				break
			}
		}
	}
	l.mu.Unlock()
}

// TryLock attempts a non-blocking acquisition, honoring the same ordering
// check as Lock when it succeeds.
func (l *Spinlock) TryLock(ctx *LockContext) bool {
	if ctx != nil {
		for _, held := range ctx.held {
			if held <= l.rank {
				return false
			}
		}
	}
	if !l.mu.TryLock() {
		return false
	}
	if ctx != nil {
		ctx.held = append(ctx.held, l.rank)
	}
	return true
}
