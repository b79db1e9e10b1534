package mmu

import (
	"log"

	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/mem/vm/frame"
	"github.com/sarchlab/mmusim/mem/vm/process"
	"github.com/sarchlab/mmusim/mem/vm/tlb"
	"github.com/sarchlab/mmusim/sim"
)

// A Builder can build MMU component
type Builder struct {
	log2PTEsPerPage uint
	numFrames       int
	numTLBEntries   int
	tlbPolicy       tlb.ReplacementPolicy
}

// MakeBuilder creates a new builder with the default geometry.
func MakeBuilder() Builder {
	return Builder{
		log2PTEsPerPage: vm.DefaultLog2PTEsPerPage,
		numFrames:       frame.DefaultNumFrames,
		numTLBEntries:   tlb.DefaultNumEntries,
		tlbPolicy:       tlb.SkipWhenFull,
	}
}

// WithLog2PTEsPerPage sets the fan-out of the two page table levels.
func (b Builder) WithLog2PTEsPerPage(n uint) Builder {
	b.log2PTEsPerPage = n
	return b
}

// WithNumFrames sets the number of physical frames.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithNumTLBEntries sets the number of entries in the TLB.
func (b Builder) WithNumTLBEntries(n int) Builder {
	b.numTLBEntries = n
	return b
}

// WithTLBReplacementPolicy sets what the TLB does when it is full.
func (b Builder) WithTLBReplacementPolicy(p tlb.ReplacementPolicy) Builder {
	b.tlbPolicy = p
	return b
}

// Build returns a newly created MMU. No process runs until the first
// SwitchProcess.
func (b Builder) Build(name string) *MMU {
	geometry := vm.Geometry{Log2PTEsPerPage: b.log2PTEsPerPage}
	if !geometry.Valid() {
		log.Panicf("log2 of the PTEs per page must be in [1, %d], got %d",
			vm.MaxLog2PTEsPerPage, b.log2PTEsPerPage)
	}

	m := &MMU{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		geometry:     geometry,
		frames:       frame.NewPool(b.numFrames),
		tlb: tlb.MakeBuilder().
			WithNumEntries(b.numTLBEntries).
			WithReplacementPolicy(b.tlbPolicy).
			Build(),
		readyQueue: process.NewReadyQueue(),
	}

	return m
}
