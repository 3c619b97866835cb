// Package simhost provides the only concrete implementations of the
// platform package's interfaces in this repository: a physical frame
// pool backed by a real anonymous mmap (so frame contents are actual
// addressable memory, not just bookkeeping), an extended virtual map
// built over it, a bookkeeping-only scheduler that runs no world code, a
// PIC/APIC-flavored interrupt controller, and a helper queue that runs
// requests asynchronously on one goroutine pool per named queue. cmd/vmkboot and
// every package's tests that need more than a narrow hand-rolled fake
// use this.
package simhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmkforge/core/mm"
	"github.com/vmkforge/core/platform"
	"golang.org/x/sys/unix"
)

// FramePool is a platform.FrameSource backed by one large anonymous mmap
// region, treated as an array of 4 KiB frames. Free frames are tracked on
// two free-lists (4 KiB and 2 MiB aligned) rather than a full buddy
// scheme: AllocLarge hands out whole large pages, Alloc hands out single
// pages and splits one large run into singles when the 4 KiB list is
// empty, so a simple stack of free indices is enough.
type FramePool struct {
	mu        sync.Mutex
	mem       []byte
	numFrames int
	free4K    []mm.MPN
	free2M    []mm.MPN // holds the base MPN of each free, large-page-aligned run
	ioProtected map[mm.MPN]bool
}

// NewFramePool mmaps enough anonymous memory to back numFrames 4 KiB
// physical pages, pre-splitting it into single frames and large-page runs.
func NewFramePool(numFrames int) (*FramePool, error) {
	size := numFrames * mm.PageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("simhost: mmap %d bytes: %w", size, err)
	}
	p := &FramePool{mem: mem, numFrames: numFrames, ioProtected: map[mm.MPN]bool{}}

	framesPerLarge := mm.LargePageSize / mm.PageSize
	i := 0
	for ; i+framesPerLarge <= numFrames; i += framesPerLarge {
		p.free2M = append(p.free2M, mm.MPN(i))
	}
	for ; i < numFrames; i++ {
		p.free4K = append(p.free4K, mm.MPN(i))
	}
	return p, nil
}

// Close unmaps the backing memory. Not part of platform.FrameSource;
// called directly by whatever built the pool (cmd/vmkboot, tests).
func (p *FramePool) Close() error { return unix.Munmap(p.mem) }

func (p *FramePool) Alloc(class platform.FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free4K) == 0 {
		if len(p.free2M) == 0 {
			return mm.InvalidMPN, context.DeadlineExceeded
		}
		base := p.free2M[len(p.free2M)-1]
		p.free2M = p.free2M[:len(p.free2M)-1]
		framesPerLarge := mm.MPN(mm.LargePageSize / mm.PageSize)
		for f := base + 1; f < base+framesPerLarge; f++ {
			p.free4K = append(p.free4K, f)
		}
		return base, nil
	}
	mpn := p.free4K[len(p.free4K)-1]
	p.free4K = p.free4K[:len(p.free4K)-1]
	return mpn, nil
}

func (p *FramePool) AllocLarge(class platform.FrameClass, nodeHint, colorHint int, maxWait context.Context) (mm.MPN, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free2M) == 0 {
		return mm.InvalidMPN, context.DeadlineExceeded
	}
	mpn := p.free2M[len(p.free2M)-1]
	p.free2M = p.free2M[:len(p.free2M)-1]
	return mpn, nil
}

// Free returns a frame to the 4 KiB free-list. Large pages allocated via
// AllocLarge are never coalesced back; this pool only ever grows smaller
// for them over its lifetime, which is acceptable for a test/demo host.
func (p *FramePool) Free(m mm.MPN) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ioProtected, m)
	p.free4K = append(p.free4K, m)
}

func (p *FramePool) SetIOProtection(m mm.MPN, disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ioProtected[m] = disable
}

// Bytes returns the real backing memory for one frame, letting callers
// that want to actually read/write a mapped page's contents (e.g. the
// TSS/GDT writers world.writeTwoTSS and world.installGDT) do so.
func (p *FramePool) Bytes(m mm.MPN) []byte {
	off := int(m) * mm.PageSize
	return p.mem[off : off+mm.PageSize]
}
