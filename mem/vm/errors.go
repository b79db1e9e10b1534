package vm

import "errors"

// Resource exhaustion.
var (
	// ErrNoFreeFrame is returned when every physical frame is referenced.
	ErrNoFreeFrame = errors.New("no free physical frame")
)

// Invalid state preconditions.
var (
	ErrNoPageTable   = errors.New("no page table bound")
	ErrNotMapped     = errors.New("page is not mapped")
	ErrAlreadyMapped = errors.New("page is already mapped")
	ErrVPNOutOfRange = errors.New("vpn out of range")
	ErrWriteOnly     = errors.New("write-only access requested without read")
	ErrInvalidAccess = errors.New("invalid access mode")
)

// ErrAccessViolation is returned when a page fault cannot be resolved. The
// driver treats it as a crash of the simulated program.
var ErrAccessViolation = errors.New("access violation")
