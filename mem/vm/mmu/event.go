package mmu

import (
	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/sim"
)

// Hook positions at which the MMU invokes its hooks. The item of the hook
// context is always an Event.
var (
	HookPosTLBHit    = &sim.HookPos{Name: "TLBHit"}
	HookPosTLBMiss   = &sim.HookPos{Name: "TLBMiss"}
	HookPosPageFault = &sim.HookPos{Name: "PageFault"}
	HookPosCOWCopy   = &sim.HookPos{Name: "COWCopy"}
	HookPosCOWReuse  = &sim.HookPos{Name: "COWReuse"}
	HookPosAlloc     = &sim.HookPos{Name: "Alloc"}
	HookPosFree      = &sim.HookPos{Name: "Free"}
	HookPosBoot      = &sim.HookPos{Name: "Boot"}
	HookPosSwitch    = &sim.HookPos{Name: "Switch"}
	HookPosFork      = &sim.HookPos{Name: "Fork"}
	HookPosViolation = &sim.HookPos{Name: "Violation"}
	HookPosOOM       = &sim.HookPos{Name: "OutOfMemory"}
)

// An Event describes one thing the MMU did. Fields that do not apply to the
// hook position are left zero. For a switch or a fork, PID is the incoming
// process and FromPID the outgoing one.
type Event struct {
	PID     vm.PID
	FromPID vm.PID
	VPN     vm.VPN
	PFN     vm.PFN
	OldPFN  vm.PFN
	Mode    vm.AccessMode
	Err     error
}

// Stats counts what the MMU did since it was built.
type Stats struct {
	TLBHits          uint64 `json:"tlb_hits"`
	TLBMisses        uint64 `json:"tlb_misses"`
	PageWalks        uint64 `json:"page_walks"`
	PageFaults       uint64 `json:"page_faults"`
	COWCopies        uint64 `json:"cow_copies"`
	COWReuses        uint64 `json:"cow_reuses"`
	Allocations      uint64 `json:"allocations"`
	Frees            uint64 `json:"frees"`
	Switches         uint64 `json:"switches"`
	Forks            uint64 `json:"forks"`
	AccessViolations uint64 `json:"access_violations"`
	OutOfMemory      uint64 `json:"out_of_memory"`
}

func (m *MMU) invoke(pos *sim.HookPos, e Event) {
	if m.NumHooks() == 0 {
		return
	}

	m.InvokeHook(sim.HookCtx{
		Domain: m,
		Pos:    pos,
		Item:   e,
	})
}
