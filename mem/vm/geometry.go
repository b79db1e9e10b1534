package vm

import "fmt"

// DefaultLog2PTEsPerPage gives 16 entries per directory and 256 virtual
// pages.
const DefaultLog2PTEsPerPage = 4

// MaxLog2PTEsPerPage keeps every VPN of the address space in a VPN.
const MaxLog2PTEsPerPage = 15

// Geometry describes the shape of a two-level page table. The outer
// directory and every inner directory have the same number of slots.
type Geometry struct {
	Log2PTEsPerPage uint
}

// DefaultGeometry returns the default two-level geometry.
func DefaultGeometry() Geometry {
	return Geometry{Log2PTEsPerPage: DefaultLog2PTEsPerPage}
}

// Valid returns true if the geometry has at least two entries per directory
// and no more than MaxLog2PTEsPerPage levels of fan-out.
func (g Geometry) Valid() bool {
	return g.Log2PTEsPerPage >= 1 && g.Log2PTEsPerPage <= MaxLog2PTEsPerPage
}

// PTEsPerPage returns the fan-out of a directory.
func (g Geometry) PTEsPerPage() int {
	return 1 << g.Log2PTEsPerPage
}

// NumVPNs returns the number of virtual pages in the address space.
func (g Geometry) NumVPNs() int {
	return 1 << (2 * g.Log2PTEsPerPage)
}

// Contains returns true if the vpn is in the address space.
func (g Geometry) Contains(vpn VPN) bool {
	return uint64(vpn) < uint64(g.NumVPNs())
}

// Split breaks a vpn into its outer and inner directory indexes.
func (g Geometry) Split(vpn VPN) (outer, inner int) {
	mask := VPN(g.PTEsPerPage() - 1)
	return int(vpn >> g.Log2PTEsPerPage), int(vpn & mask)
}

// Join is the inverse of Split.
func (g Geometry) Join(outer, inner int) VPN {
	return VPN(outer<<g.Log2PTEsPerPage | inner)
}

// Check returns ErrVPNOutOfRange if the vpn is not in the address space.
func (g Geometry) Check(vpn VPN) error {
	if !g.Contains(vpn) {
		return fmt.Errorf("vpn %d of %d: %w", vpn, g.NumVPNs(), ErrVPNOutOfRange)
	}

	return nil
}
