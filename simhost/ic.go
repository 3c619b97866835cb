package simhost

import "sync"

// IC is a platform.IC backed by per-vector mask/pending/in-service bits,
// in the spirit of the 8259A's IMR/IRR/ISR registers, generalized to 256
// vectors and to an arbitrary pcpu count for IPI fan-out. Delivery calls
// a dispatch callback synchronously in a new goroutine per target pcpu,
// which is what idt.Table.Dispatch expects to be invoked from.
type IC struct {
	mu        sync.Mutex
	numPCPUs  int
	masked    [256]bool
	pending   [256]bool
	inService [256]bool
	spurious  map[int]bool

	dispatch func(pcpu, vector int)
	nmis     int
}

// NewIC builds a masked-by-default controller for numPCPUs simulated
// pcpus. dispatch is called (in its own goroutine) once per targeted
// pcpu for every SendIPI/BroadcastIPI; wire it to idt.Table.Dispatch (or
// tlb.State.HandleIPI for the dedicated invalidation vector) once both
// exist.
func NewIC(numPCPUs int, dispatch func(pcpu, vector int)) *IC {
	ic := &IC{numPCPUs: numPCPUs, spurious: map[int]bool{}, dispatch: dispatch}
	for v := range ic.masked {
		ic.masked[v] = true
	}
	return ic
}

func (ic *IC) SendIPI(pcpu int, vector int) {
	if ic.dispatch != nil {
		go ic.dispatch(pcpu, vector)
	}
}

func (ic *IC) BroadcastIPI(vector int) {
	if ic.dispatch == nil {
		return
	}
	for p := 0; p < ic.numPCPUs; p++ {
		go ic.dispatch(p, vector)
	}
}

func (ic *IC) BroadcastNMI() {
	ic.mu.Lock()
	ic.nmis++
	ic.mu.Unlock()
}

// NMICount reports how many BroadcastNMI calls have landed; exposed for
// tests and for cmd/vmkboot's shutdown diagnostics.
func (ic *IC) NMICount() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.nmis
}

func (ic *IC) Mask(vector int) {
	ic.mu.Lock()
	ic.masked[vector] = true
	ic.mu.Unlock()
}

func (ic *IC) Unmask(vector int) {
	ic.mu.Lock()
	ic.masked[vector] = false
	ic.mu.Unlock()
}

func (ic *IC) MaskAndAck(vector int) {
	ic.Mask(vector)
	ic.Ack(vector)
}

func (ic *IC) Ack(vector int) {
	ic.mu.Lock()
	ic.inService[vector] = false
	ic.pending[vector] = false
	ic.mu.Unlock()
}

func (ic *IC) Posted(vector int) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.pending[vector]
}

func (ic *IC) Spurious(vector int) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.spurious[vector]
}

func (ic *IC) Steer(vector int, pcpu int) error {
	return nil // routing table omitted: this host has no per-vector affinity to enforce
}

func (ic *IC) PendingLocally(vector int) bool { return ic.Posted(vector) }

func (ic *IC) InServiceLocally(vector int) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.inService[vector]
}

// Raise simulates an external device asserting vector, for cmd/vmkboot's
// demonstration traffic and tests: marks it pending/in-service (unless
// masked) and dispatches it to pcpu.
func (ic *IC) Raise(pcpu, vector int) {
	ic.mu.Lock()
	masked := ic.masked[vector]
	if !masked {
		ic.pending[vector] = true
		ic.inService[vector] = true
	}
	ic.mu.Unlock()
	if !masked && ic.dispatch != nil {
		ic.dispatch(pcpu, vector)
	}
}

// SetSpurious marks vector as one the IC will report Spurious() for when
// fired with no role enabled — device emulation has no real interrupt
// behind it.
func (ic *IC) SetSpurious(vector int, spurious bool) {
	ic.mu.Lock()
	ic.spurious[vector] = spurious
	ic.mu.Unlock()
}
