package tlb

import "log"

// DefaultNumEntries matches the size of the default frame pool so that every
// mapped frame can be cached.
const DefaultNumEntries = 256

// A Builder can build TLBs
type Builder struct {
	numEntries int
	policy     ReplacementPolicy
}

// MakeBuilder returns a Builder
func MakeBuilder() Builder {
	return Builder{
		numEntries: DefaultNumEntries,
		policy:     SkipWhenFull,
	}
}

// WithNumEntries sets the number of entries in the TLB.
func (b Builder) WithNumEntries(n int) Builder {
	b.numEntries = n
	return b
}

// WithReplacementPolicy sets what the TLB does when inserting into a full
// TLB.
func (b Builder) WithReplacementPolicy(p ReplacementPolicy) Builder {
	b.policy = p
	return b
}

// Build creates a new TLB with every entry invalid.
func (b Builder) Build() *TLB {
	if b.numEntries <= 0 {
		log.Panicf("TLB needs at least one entry, got %d", b.numEntries)
	}

	return &TLB{
		entries: make([]Entry, b.numEntries),
		policy:  b.policy,
	}
}
