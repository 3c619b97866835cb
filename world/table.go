package world

import (
	"log"
	"sync"

	"github.com/vmkforge/core/spinlock"
	"github.com/vmkforge/core/vmkerr"
)

// Table is the fixed-size world table spec.md §3 describes: MaxWorlds
// slots, each holding a Handle that is either in use or free for reuse.
// worldID encodes (generation << logMaxWorlds) | slot so the owning slot
// is recoverable from the id alone (spec.md §3 invariant: worldID % N ==
// slot index).
type Table struct {
	lock *spinlock.Spinlock
	mu   sync.Mutex // not locked by any method; nextSlot is guarded by lock, handle fields by each handle's mu

	slots    [MaxWorlds]Handle
	nextSlot int
}

// NewTable returns an empty world table.
func NewTable() *Table {
	return &Table{lock: spinlock.New("worldTable", spinlock.RankWorldTable)}
}

func slotOf(id uint32) uint32       { return id & (MaxWorlds - 1) }
func generationOf(id uint32) uint32 { return id >> logMaxWorlds }

func makeWorldID(generation uint32, slot int) uint32 {
	id := (generation << logMaxWorlds) | uint32(slot)
	if id == 0 {
		// 0 < id is required (spec.md §3); skip generation 0, slot 0.
		id = (1 << logMaxWorlds) | uint32(slot)
	}
	return id
}

// allocSlot finds a free slot via round-robin search starting from
// nextSlot and returns the slot index with the table lock already
// released. Create, not allocSlot, bumps the slot's generation and
// publishes InUse.
func (t *Table) allocSlot(ctx *spinlock.LockContext) (int, error) {
	t.lock.Lock(ctx)
	defer t.lock.Unlock(ctx)

	start := t.nextSlot
	for i := 0; i < MaxWorlds; i++ {
		slot := (start + i) % MaxWorlds
		h := &t.slots[slot]
		if !h.InUse {
			t.nextSlot = (slot + 1) % MaxWorlds
			return slot, nil
		}
	}
	return 0, vmkerr.New(vmkerr.LimitExceeded, "world table exhausted: all %d slots in use", MaxWorlds)
}

// Create allocates a free slot, assigns its worldID, marks it in use, and
// runs the module init table selected by args.Flags. On any init failure
// the slot is freed and the error returned; spec.md §4.1's create
// contract.
func (t *Table) Create(ctx *spinlock.LockContext, args *InitArgs, tableFor func(TypeFlags) []ModuleEntry) (*Handle, error) {
	slot, err := t.allocSlot(ctx)
	if err != nil {
		return nil, err
	}
	h := &t.slots[slot]

	h.mu.Lock()
	h.Generation++
	h.WorldID = makeWorldID(h.Generation, slot)
	h.InUse = true
	h.Name = args.Name
	h.TypeFlags = args.Flags
	h.RefCount = 1 // creator's own reference
	h.ReaderCount = 0
	h.HostCount = 0
	h.DeathPending = false
	h.KillLevel = KillNone
	h.ReapStarted = false
	h.ReapScheduled = false
	h.ReapCalls = 0
	h.ExitStatus = nil
	h.ModulesInited = 0
	h.ModuleTable = nil
	h.Group = nil
	h.VMM = nil
	h.neverScheduled = true
	h.log = log.Default()
	h.mu.Unlock()

	table := tableFor(args.Flags)
	if err := runInitTable(h, args, table); err != nil {
		t.lock.Lock(ctx)
		h.mu.Lock()
		h.InUse = false
		h.mu.Unlock()
		t.lock.Unlock(ctx)
		return nil, err
	}
	return h, nil
}

// Find returns the handle for id iff it is in use, matches the expected
// generation, and has not started reaping, incrementing ReaderCount.
// Pair with Release.
func (t *Table) Find(ctx *spinlock.LockContext, id uint32) (*Handle, error) {
	return t.lookup(ctx, id, true)
}

// FindNoRef is Find's alternative flavor: it increments RefCount instead
// of ReaderCount, for callers that want to pin the world against reap
// completion without affecting ordinary find/release traffic.
func (t *Table) FindNoRef(ctx *spinlock.LockContext, id uint32) (*Handle, error) {
	return t.lookup(ctx, id, false)
}

func (t *Table) lookup(ctx *spinlock.LockContext, id uint32, asReader bool) (*Handle, error) {
	slot := slotOf(id)
	if slot >= MaxWorlds {
		return nil, vmkerr.New(vmkerr.NotFound, "world %d: slot out of range", id)
	}
	t.lock.Lock(ctx)
	defer t.lock.Unlock(ctx)

	h := &t.slots[slot]
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.InUse || h.WorldID != id || h.ReapStarted {
		return nil, vmkerr.New(vmkerr.NotFound, "world %d not found", id)
	}
	if asReader {
		h.ReaderCount++
	} else {
		h.RefCount++
	}
	return h, nil
}

// Release drops the reference Find (asReader) or FindNoRef added.
func (t *Table) Release(ctx *spinlock.LockContext, h *Handle, asReader bool) {
	t.lock.Lock(ctx)
	defer t.lock.Unlock(ctx)
	h.mu.Lock()
	defer h.mu.Unlock()
	if asReader {
		if h.ReaderCount > 0 {
			h.ReaderCount--
		}
	} else {
		if h.RefCount > 0 {
			h.RefCount--
		}
	}
}

// ForEachInUse calls fn for every currently in-use handle, holding the
// table lock for the duration of the scan (not for fn itself). Used by
// group-kill and debug dumps; fn must not call back into Table.
func (t *Table) ForEachInUse(ctx *spinlock.LockContext, fn func(*Handle)) {
	t.lock.Lock(ctx)
	handles := make([]*Handle, 0, MaxWorlds)
	for i := range t.slots {
		if t.slots[i].InUse {
			handles = append(handles, &t.slots[i])
		}
	}
	t.lock.Unlock(ctx)

	for _, h := range handles {
		fn(h)
	}
}
