package world

import "log"

// InitArgs carries the construction-time parameters spec.md §6 lists
// under "world creation arguments".
type InitArgs struct {
	Name         string
	Flags        TypeFlags
	GroupLeader  uint32 // 0 == DEFAULT: create a new group
	Func         func()
	VCPUID       uint32
	COSStackMPN  uint32 // console only
	SchedWeight  int
	SharedArea   *SharedAreaArgs
}

// SharedAreaArgs is the optional VMM shared-memory-area configuration.
type SharedAreaArgs struct {
	Pages int
}

// ModuleEntry is one {name, init, exit} slot of a world-type's construction
// table (spec.md §4.1/§4.5). init/exit take the world and, for init, the
// InitArgs the world was created with.
type ModuleEntry struct {
	Name string
	Init func(w *Handle, args *InitArgs) error
	Exit func(w *Handle)
}

const maxModuleTableLen = 64 // ModulesInited is a uint64 bitmap (spec.md §9)

// runInitTable walks table in order, setting bit i of w.ModulesInited for
// each entry whose Init succeeds. On the first failure it unwinds by
// running Exit for every bit already set, in reverse, then returns the
// original error — spec.md §4.5's init/cleanup contract.
func runInitTable(w *Handle, args *InitArgs, table []ModuleEntry) error {
	if len(table) > maxModuleTableLen {
		panic("world: module table exceeds ModulesInited bitmap width")
	}
	w.ModuleTable = table
	for i, entry := range table {
		if entry.Init == nil {
			w.ModulesInited |= 1 << uint(i)
			continue
		}
		if err := entry.Init(w, args); err != nil {
			unwindInitTable(w, table, i)
			return err
		}
		w.ModulesInited |= 1 << uint(i)
	}
	return nil
}

// unwindInitTable runs Exit in reverse for every bit set below failedAt
// (exclusive), used both by a failed create and, with failedAt ==
// len(table), by a full teardown.
func unwindInitTable(w *Handle, table []ModuleEntry, failedAt int) {
	for i := failedAt - 1; i >= 0; i-- {
		if w.ModulesInited&(1<<uint(i)) == 0 {
			continue
		}
		entry := table[i]
		if entry.Exit != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("world: module %q exit panicked during cleanup of world %d: %v", entry.Name, w.WorldID, r)
					}
				}()
				entry.Exit(w)
			}()
		}
		w.ModulesInited &^= 1 << uint(i)
	}
}

// runCleanupTable tears down every module that successfully initialized,
// in reverse order. Used by the reaper once a world is ready to be fully
// destroyed.
func runCleanupTable(w *Handle) {
	unwindInitTable(w, w.ModuleTable, len(w.ModuleTable))
}
