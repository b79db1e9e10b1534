// Package pagetable provides the two-level page table owned by a simulated
// process.
package pagetable

import (
	"log"

	"github.com/sarchlab/mmusim/mem/vm"
)

// A directory is an inner page table. It only exists while it holds at least
// one valid entry.
type directory struct {
	ptes     []vm.PTE
	numValid int
}

func newDirectory(n int) *directory {
	return &directory{ptes: make([]vm.PTE, n)}
}

func (d *directory) clone() *directory {
	c := &directory{
		ptes:     make([]vm.PTE, len(d.ptes)),
		numValid: d.numValid,
	}
	copy(c.ptes, d.ptes)

	return c
}

// A PageTable maps virtual pages to physical frames through an outer
// directory of optional inner directories, indexed by the high bits of the
// vpn.
type PageTable struct {
	geometry vm.Geometry
	outer    []*directory
}

// New creates an empty page table.
func New(geometry vm.Geometry) *PageTable {
	return &PageTable{
		geometry: geometry,
		outer:    make([]*directory, geometry.PTEsPerPage()),
	}
}

// Geometry returns the shape of the page table.
func (pt *PageTable) Geometry() vm.Geometry {
	return pt.geometry
}

// Lookup returns the entry of a mapped vpn.
func (pt *PageTable) Lookup(vpn vm.VPN) (vm.PTE, bool) {
	pte := pt.Entry(vpn)
	if pte == nil || !pte.Valid {
		return vm.PTE{}, false
	}

	return *pte, true
}

// Entry returns the slot of a vpn so that the caller can update it in place.
// It returns nil if the inner directory does not exist. The returned pointer
// is only good until the next Clear.
func (pt *PageTable) Entry(vpn vm.VPN) *vm.PTE {
	if !pt.geometry.Contains(vpn) {
		return nil
	}

	outer, inner := pt.geometry.Split(vpn)

	dir := pt.outer[outer]
	if dir == nil {
		return nil
	}

	return &dir.ptes[inner]
}

// HasDirectory returns true if the inner directory covering vpn exists.
func (pt *PageTable) HasDirectory(vpn vm.VPN) bool {
	outer, _ := pt.geometry.Split(vpn)
	return outer < len(pt.outer) && pt.outer[outer] != nil
}

// Install writes a valid entry for vpn, creating the inner directory when
// needed.
func (pt *PageTable) Install(vpn vm.VPN, pte vm.PTE) {
	pt.mustContain(vpn)

	if !pte.Valid {
		log.Panicf("installing an invalid pte at vpn %d", vpn)
	}

	outer, inner := pt.geometry.Split(vpn)

	dir := pt.outer[outer]
	if dir == nil {
		dir = newDirectory(pt.geometry.PTEsPerPage())
		pt.outer[outer] = dir
	}

	if !dir.ptes[inner].Valid {
		dir.numValid++
	}

	dir.ptes[inner] = pte
}

// Clear zeroes the entry of vpn. The inner directory is released as soon as
// it holds no valid entry. It returns the entry as it was before.
func (pt *PageTable) Clear(vpn vm.VPN) (vm.PTE, bool) {
	if !pt.geometry.Contains(vpn) {
		return vm.PTE{}, false
	}

	outer, inner := pt.geometry.Split(vpn)

	dir := pt.outer[outer]
	if dir == nil || !dir.ptes[inner].Valid {
		return vm.PTE{}, false
	}

	old := dir.ptes[inner]
	dir.ptes[inner].Reset()
	dir.numValid--

	if dir.numValid == 0 {
		pt.outer[outer] = nil
	}

	return old, true
}

// ForEachValid calls fn for each valid entry in ascending vpn order.
func (pt *PageTable) ForEachValid(fn func(vpn vm.VPN, pte *vm.PTE)) {
	for o, dir := range pt.outer {
		if dir == nil {
			continue
		}

		for i := range dir.ptes {
			if !dir.ptes[i].Valid {
				continue
			}

			fn(pt.geometry.Join(o, i), &dir.ptes[i])
		}
	}
}

// NumValid returns the number of mapped pages.
func (pt *PageTable) NumValid() int {
	n := 0
	for _, dir := range pt.outer {
		if dir != nil {
			n += dir.numValid
		}
	}

	return n
}

// NumDirectories returns the number of inner directories that exist.
func (pt *PageTable) NumDirectories() int {
	n := 0
	for _, dir := range pt.outer {
		if dir != nil {
			n++
		}
	}

	return n
}

// MarkCOW turns every writable entry into a shared read-only one and returns
// how many entries changed.
func (pt *PageTable) MarkCOW() int {
	n := 0
	pt.ForEachValid(func(_ vm.VPN, pte *vm.PTE) {
		if pte.MarkCOW() {
			n++
		}
	})

	return n
}

// ForkCOW marks the writable entries of the page table copy-on-write and
// returns a child table holding the same entries. Entries that were already
// read-only or shared are copied unchanged. Reference counting of the
// frames is left to the caller.
func (pt *PageTable) ForkCOW() *PageTable {
	pt.MarkCOW()

	child := New(pt.geometry)
	for i, dir := range pt.outer {
		if dir != nil {
			child.outer[i] = dir.clone()
		}
	}

	return child
}

func (pt *PageTable) mustContain(vpn vm.VPN) {
	if !pt.geometry.Contains(vpn) {
		log.Panicf("vpn %d out of range [0, %d)", vpn, pt.geometry.NumVPNs())
	}
}
