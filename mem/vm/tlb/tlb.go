// Package tlb provides the translation-lookaside buffer of the simulated
// MMU.
package tlb

import (
	"fmt"
	"strings"

	"github.com/sarchlab/mmusim/mem/vm"
)

// ReplacementPolicy decides what an insertion into a full TLB does.
type ReplacementPolicy int

const (
	// SkipWhenFull drops the insertion. The translation will be walked
	// again on the next access.
	SkipWhenFull ReplacementPolicy = iota

	// RoundRobin evicts the slots one after another.
	RoundRobin
)

func (p ReplacementPolicy) String() string {
	switch p {
	case SkipWhenFull:
		return "skip"
	case RoundRobin:
		return "round-robin"
	default:
		return fmt.Sprintf("ReplacementPolicy(%d)", int(p))
	}
}

// ParseReplacementPolicy converts the command line name of a policy.
func ParseReplacementPolicy(s string) (ReplacementPolicy, error) {
	switch strings.ToLower(s) {
	case "skip", "":
		return SkipWhenFull, nil
	case "round-robin", "rr", "fifo":
		return RoundRobin, nil
	default:
		return 0, fmt.Errorf("unknown TLB replacement policy %q", s)
	}
}

// An Entry caches the translation of one virtual page. Writable records the
// permission of the page table entry at the time of insertion.
type Entry struct {
	Valid    bool
	VPN      vm.VPN
	PFN      vm.PFN
	Writable bool
}

// A TLB caches the translations of the running process. Entries are not
// tagged by process, so the whole TLB is invalidated on a process switch.
//
// At most one valid entry exists per vpn.
type TLB struct {
	entries []Entry
	policy  ReplacementPolicy
	victim  int
}

// NumEntries returns the capacity of the TLB.
func (t *TLB) NumEntries() int {
	return len(t.entries)
}

// Policy returns the replacement policy.
func (t *TLB) Policy() ReplacementPolicy {
	return t.policy
}

// Lookup returns the cached translation of vpn.
func (t *TLB) Lookup(vpn vm.VPN) (Entry, bool) {
	i := t.find(vpn)
	if i < 0 {
		return Entry{}, false
	}

	return t.entries[i], true
}

// Insert caches a translation. An existing entry of the same vpn is updated
// in place. Otherwise the lowest free slot is used. When no slot is free the
// replacement policy applies. It returns false if nothing was cached.
func (t *TLB) Insert(vpn vm.VPN, pfn vm.PFN, writable bool) bool {
	entry := Entry{Valid: true, VPN: vpn, PFN: pfn, Writable: writable}

	if i := t.find(vpn); i >= 0 {
		t.entries[i] = entry
		return true
	}

	for i := range t.entries {
		if !t.entries[i].Valid {
			t.entries[i] = entry
			return true
		}
	}

	switch t.policy {
	case RoundRobin:
		t.entries[t.victim] = entry
		t.victim = (t.victim + 1) % len(t.entries)

		return true
	default:
		return false
	}
}

// Invalidate drops the translation of vpn, if cached.
func (t *TLB) Invalidate(vpn vm.VPN) bool {
	i := t.find(vpn)
	if i < 0 {
		return false
	}

	t.entries[i] = Entry{}

	return true
}

// InvalidateAll drops every translation.
func (t *TLB) InvalidateAll() {
	for i := range t.entries {
		t.entries[i] = Entry{}
	}

	t.victim = 0
}

// NumValid returns the number of cached translations.
func (t *TLB) NumValid() int {
	n := 0
	for _, e := range t.entries {
		if e.Valid {
			n++
		}
	}

	return n
}

// Entries returns a copy of the valid entries in slot order.
func (t *TLB) Entries() []Entry {
	entries := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Valid {
			entries = append(entries, e)
		}
	}

	return entries
}

func (t *TLB) find(vpn vm.VPN) int {
	for i, e := range t.entries {
		if e.Valid && e.VPN == vpn {
			return i
		}
	}

	return -1
}
