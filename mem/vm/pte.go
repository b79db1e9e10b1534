package vm

import "fmt"

// Sharing tells whether a mapped frame is owned by a single page table
// entry or shared copy-on-write with other entries.
type Sharing uint8

// Sharing states of a PTE.
const (
	Exclusive Sharing = iota
	Shared
)

func (s Sharing) String() string {
	if s == Shared {
		return "shared"
	}

	return "exclusive"
}

// A PTE is an entry in a page table. It maintains how one virtual page maps
// to a physical frame and what accesses are allowed.
//
// A Shared entry is never Writable. Writing to it goes through the page
// fault handler first.
type PTE struct {
	Valid    bool
	Writable bool
	Sharing  Sharing
	PFN      PFN
}

// IsCOW returns true if the entry is mapped copy-on-write.
func (p PTE) IsCOW() bool {
	return p.Valid && p.Sharing == Shared
}

// Allows returns true if the entry can serve the access without a fault.
func (p PTE) Allows(mode AccessMode) bool {
	if !p.Valid {
		return false
	}

	if mode.IsWrite() && !p.Writable {
		return false
	}

	return true
}

// MarkCOW turns a writable entry into a shared, read-only one. Entries that
// are not writable are left untouched.
func (p *PTE) MarkCOW() bool {
	if !p.Valid || !p.Writable {
		return false
	}

	p.Writable = false
	p.Sharing = Shared

	return true
}

// Reset clears every field so that no stale state survives an invalidation.
func (p *PTE) Reset() {
	*p = PTE{}
}

// MarshalText encodes the sharing state by name.
func (s Sharing) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a sharing state encoded by MarshalText.
func (s *Sharing) UnmarshalText(text []byte) error {
	switch string(text) {
	case "exclusive":
		*s = Exclusive
	case "shared":
		*s = Shared
	default:
		return fmt.Errorf("unknown sharing state %q", text)
	}

	return nil
}
