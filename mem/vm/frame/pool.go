// Package frame provides the physical frame pool of the simulated machine.
package frame

import (
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/mmusim/mem/vm"
)

// DefaultNumFrames is the default size of the frame pool.
const DefaultNumFrames = 256

// ErrFrameNotAllocated is returned when dropping a reference to a frame that
// nobody maps.
var ErrFrameNotAllocated = errors.New("frame is not allocated")

// A Pool keeps a reference count for every physical frame. A count of zero
// means the frame is free, a count above one means the frame is shared
// copy-on-write.
type Pool struct {
	refCounts []uint32
	numFree   int
}

// NewPool creates a pool with numFrames free frames.
func NewPool(numFrames int) *Pool {
	if numFrames <= 0 {
		log.Panicf("frame pool needs at least one frame, got %d", numFrames)
	}

	return &Pool{
		refCounts: make([]uint32, numFrames),
		numFree:   numFrames,
	}
}

// NumFrames returns the size of the pool.
func (p *Pool) NumFrames() int {
	return len(p.refCounts)
}

// NumFree returns the number of frames nobody references.
func (p *Pool) NumFree() int {
	return p.numFree
}

// RefCount returns the number of mappings of a frame.
func (p *Pool) RefCount(pfn vm.PFN) uint32 {
	p.mustBeInRange(pfn)
	return p.refCounts[pfn]
}

// RefCounts returns a copy of all the reference counts, indexed by PFN.
func (p *Pool) RefCounts() []uint32 {
	counts := make([]uint32, len(p.refCounts))
	copy(counts, p.refCounts)

	return counts
}

// Alloc takes the lowest-numbered free frame and sets its count to one.
func (p *Pool) Alloc() (vm.PFN, error) {
	for i, c := range p.refCounts {
		if c == 0 {
			p.refCounts[i] = 1
			p.numFree--

			return vm.PFN(i), nil
		}
	}

	return 0, vm.ErrNoFreeFrame
}

// Ref adds a mapping to a frame that is already in use.
func (p *Pool) Ref(pfn vm.PFN) {
	p.mustBeInRange(pfn)

	if p.refCounts[pfn] == 0 {
		log.Panicf("sharing frame %d that is not allocated", pfn)
	}

	p.refCounts[pfn]++
}

// Unref drops a mapping of a frame and returns how many remain. The frame
// becomes free when no mapping remains.
func (p *Pool) Unref(pfn vm.PFN) (uint32, error) {
	p.mustBeInRange(pfn)

	if p.refCounts[pfn] == 0 {
		return 0, fmt.Errorf("frame %d: %w", pfn, ErrFrameNotAllocated)
	}

	p.refCounts[pfn]--
	if p.refCounts[pfn] == 0 {
		p.numFree++
	}

	return p.refCounts[pfn], nil
}

// Reset frees every frame.
func (p *Pool) Reset() {
	for i := range p.refCounts {
		p.refCounts[i] = 0
	}

	p.numFree = len(p.refCounts)
}

func (p *Pool) mustBeInRange(pfn vm.PFN) {
	if int(pfn) >= len(p.refCounts) {
		log.Panicf("pfn %d out of range [0, %d)", pfn, len(p.refCounts))
	}
}
