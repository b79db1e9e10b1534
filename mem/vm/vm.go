// Package vm provides the models for address translations.
package vm

import (
	"fmt"
	"strings"
)

// PID stands for Process ID.
type PID uint32

// VPN is a virtual page number.
type VPN uint32

// PFN is a physical frame number.
type PFN uint32

// An AccessMode describes what a memory access or a page allocation asks
// for. It is a bit mask so that read-write can be tested for either bit.
type AccessMode uint8

// Access modes, encoded the same way as the trace files do.
const (
	AccessRead      AccessMode = 0x1
	AccessWrite     AccessMode = 0x2
	AccessReadWrite AccessMode = AccessRead | AccessWrite
)

// IsRead returns true if the access reads the page.
func (m AccessMode) IsRead() bool {
	return m&AccessRead != 0
}

// IsWrite returns true if the access writes the page.
func (m AccessMode) IsWrite() bool {
	return m&AccessWrite != 0
}

// Valid returns true if the mode holds no bit other than read and write
// and at least one of them.
func (m AccessMode) Valid() bool {
	return m != 0 && m&^AccessReadWrite == 0
}

func (m AccessMode) String() string {
	switch m {
	case AccessRead:
		return "r"
	case AccessWrite:
		return "w"
	case AccessReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// ParseAccessMode converts the textual form used in traces.
func ParseAccessMode(s string) (AccessMode, error) {
	switch strings.ToLower(s) {
	case "r", "read":
		return AccessRead, nil
	case "w", "write":
		return AccessWrite, nil
	case "rw", "wr", "readwrite":
		return AccessReadWrite, nil
	default:
		return 0, fmt.Errorf("unknown access mode %q", s)
	}
}
