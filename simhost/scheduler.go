package simhost

import (
	"sync"

	"github.com/vmkforge/core/platform"
)

type worldSchedState struct {
	running   bool
	zombie    bool
	killLevel int // mirrors world.KillLevel without importing world (would cycle)
	waitCond  *sync.Cond
}

// Scheduler is a minimal platform.Scheduler: every AddRunning'd world is
// just a flag plus a condition variable woken by Wakeup/ForceWakeup. It
// does not actually run any code on a world's behalf — there is no
// continuation to resume in this simulated core, only the bookkeeping
// the kernel components under test observe.
type Scheduler struct {
	mu              sync.Mutex
	worlds          map[uint32]*worldSchedState
	preemptDisabled map[uint32]int
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		worlds:          map[uint32]*worldSchedState{},
		preemptDisabled: map[uint32]int{},
	}
}

func (s *Scheduler) stateFor(id uint32) *worldSchedState {
	st, ok := s.worlds[id]
	if !ok {
		st = &worldSchedState{waitCond: sync.NewCond(&s.mu)}
		s.worlds[id] = st
	}
	return st
}

func (s *Scheduler) AddRunning(worldID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFor(worldID).running = true
}

func (s *Scheduler) Remove(worldID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.worlds[worldID]
	if !ok || !st.running {
		return false
	}
	st.running = false
	return true
}

func (s *Scheduler) DisablePreemption() {
	// Modeled as a process-wide counter: this core never attributes
	// preemption state to "the currently running goroutine" the way a
	// real per-pcpu flag would, since there's no fixed goroutine-to-pcpu
	// binding here.
	s.mu.Lock()
	s.preemptDisabled[0]++
	s.mu.Unlock()
}

func (s *Scheduler) RestorePreemption() {
	s.mu.Lock()
	if s.preemptDisabled[0] > 0 {
		s.preemptDisabled[0]--
	}
	s.mu.Unlock()
}

func (s *Scheduler) Wait(event uintptr, class platform.WaitClass, unlock func()) platform.CancelStatus {
	if unlock != nil {
		unlock()
	}
	s.mu.Lock()
	st := s.stateFor(uint32(event))
	for !st.zombie && st.killLevel < int(kickWait) {
		st.waitCond.Wait()
	}
	cancelled := st.killLevel >= int(kickWait) && !st.zombie
	s.mu.Unlock()
	if cancelled {
		return platform.Cancelled
	}
	return platform.NotCancelled
}

// kickWait is the sentinel killLevel ForceWakeup uses to interrupt a
// Wait without marking the waited-on world a zombie.
const kickWait = 1000000

func (s *Scheduler) Wakeup(event uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(uint32(event))
	st.zombie = true
	st.waitCond.Broadcast()
}

func (s *Scheduler) ForceWakeup(worldID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(worldID)
	st.killLevel = kickWait
	st.waitCond.Broadcast()
}

func (s *Scheduler) Die() {
	// No current-world concept to flip to zombie in this host; Wakeup on
	// the relevant event id is what world.Lifecycle.Exit actually relies
	// on for reap sequencing.
}

func (s *Scheduler) Sleep(ms int) {}

func (s *Scheduler) IsSafeToBlock(worldID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preemptDisabled[0] == 0
}

func (s *Scheduler) IsZombie(worldID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateFor(worldID).zombie
}

// MarkZombie lets cmd/vmkboot (or a test) simulate a world having run to
// its scheduler-level exit point, which reap's busy-check polls for.
func (s *Scheduler) MarkZombie(worldID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateFor(worldID).zombie = true
}
