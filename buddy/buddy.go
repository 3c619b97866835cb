// Package buddy implements a power-of-two range allocator over page
// numbers, supporting hot-add of backing memory (spec.md component C).
// HeapMgr is the sole consumer: it grows a buddy allocator's managed
// range in 2 MiB chunks as its two kernel heaps need more backing store.
package buddy

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/vmkforge/core/vmkerr"
)

// maxOrder bounds the allocator to ranges of at most 2^maxOrder pages,
// comfortably covering HeapMgr's largest single request (a 2 MiB chunk,
// 512 4 KiB pages, order 9).
const maxOrder = 20

// Allocator is a classic power-of-two buddy allocator over an opaque
// page-number space. It does not know what a "page" is beyond an
// integer offset; HeapMgr supplies VPNs.
type Allocator struct {
	mu sync.Mutex

	base  uint32 // first managed page number
	pages uint32 // total managed pages

	freeLists [maxOrder + 1][]uint32 // free block start offsets (relative to base), per order
	orderOf   map[uint32]int         // allocated block start -> its order, for Free/GetLocSize
}

// New creates an empty allocator with no managed range; HotAddRange must
// be called before any Allocate will succeed.
func New() *Allocator {
	return &Allocator{orderOf: make(map[uint32]int)}
}

// NewWithRange creates an allocator whose initial managed range is
// [base, base+pages).
func NewWithRange(base, pages uint32) *Allocator {
	a := New()
	a.base = base
	a.pages = pages
	a.addFreeRange(base-a.base, pages)
	return a
}

// orderForPages returns the smallest order whose block size is >= pages.
func orderForPages(pages uint32) int {
	if pages == 0 {
		pages = 1
	}
	return bits.Len32(pages - 1)
}

// addFreeRange splits [offset, offset+pages) into maximal aligned
// power-of-two blocks and pushes each onto its order's free list.
func (a *Allocator) addFreeRange(offset, pages uint32) {
	for pages > 0 {
		order := 0
		for order < maxOrder {
			blockSize := uint32(1) << uint(order+1)
			if blockSize > pages || offset%blockSize != 0 {
				break
			}
			order++
		}
		size := uint32(1) << uint(order)
		a.freeLists[order] = append(a.freeLists[order], offset)
		offset += size
		pages -= size
	}
}

// Allocate reserves a block of at least npages pages, returning its
// start page number (base + offset). Splits a larger free block when no
// exact-order block is free.
func (a *Allocator) Allocate(npages uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	order := orderForPages(npages)
	if order > maxOrder {
		return 0, vmkerr.New(vmkerr.BadParam, "buddy: request for %d pages exceeds max order", npages)
	}

	found := order
	for found <= maxOrder && len(a.freeLists[found]) == 0 {
		found++
	}
	if found > maxOrder {
		return 0, vmkerr.New(vmkerr.NoMemory, "buddy: no free block of order >= %d", order)
	}

	offset := a.popFree(found)
	for found > order {
		found--
		buddyOffset := offset + (uint32(1) << uint(found))
		a.freeLists[found] = append(a.freeLists[found], buddyOffset)
	}
	a.orderOf[offset] = order
	return a.base + offset, nil
}

func (a *Allocator) popFree(order int) uint32 {
	list := a.freeLists[order]
	offset := list[len(list)-1]
	a.freeLists[order] = list[:len(list)-1]
	return offset
}

// Free releases the block starting at page start, coalescing with its
// buddy when possible.
func (a *Allocator) Free(start uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := start - a.base
	order, ok := a.orderOf[offset]
	if !ok {
		return vmkerr.New(vmkerr.BadParam, "buddy: free of unknown block %d", start)
	}
	delete(a.orderOf, offset)

	for order < maxOrder {
		buddyOffset := offset ^ (uint32(1) << uint(order))
		idx := a.indexOfFree(order, buddyOffset)
		if idx < 0 {
			break
		}
		a.freeLists[order] = append(a.freeLists[order][:idx], a.freeLists[order][idx+1:]...)
		if buddyOffset < offset {
			offset = buddyOffset
		}
		order++
	}
	a.freeLists[order] = append(a.freeLists[order], offset)
	return nil
}

func (a *Allocator) indexOfFree(order int, offset uint32) int {
	for i, o := range a.freeLists[order] {
		if o == offset {
			return i
		}
	}
	return -1
}

// GetLocSize returns the page-count size of the allocated block starting
// at start.
func (a *Allocator) GetLocSize(start uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orderOf[start-a.base]
	if !ok {
		return 0, vmkerr.New(vmkerr.BadParam, "buddy: no allocation at %d", start)
	}
	return uint32(1) << uint(order), nil
}

// HotAddRange extends the allocator's managed range with pages new
// pages immediately following the current managed range, making them
// available to future Allocate calls.
func (a *Allocator) HotAddRange(pages uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addFreeRange(a.pages, pages)
	a.pages += pages
}

// ManagementMemoryBytes estimates the bookkeeping memory HotAddRange for
// addPages pages will need: one map entry per split block in the worst
// case, generously rounded since HeapMgr only uses this to size a
// fixed-capacity allocation from the main heap.
func ManagementMemoryBytes(addPages uint32) int {
	order := orderForPages(addPages)
	return (order + 1) * 64
}

func (a *Allocator) String() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fmt.Sprintf("buddy{base=%d pages=%d allocated=%d}", a.base, a.pages, len(a.orderOf))
}
