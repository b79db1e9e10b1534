package mmu

import (
	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/mem/vm/pagetable"
	"github.com/sarchlab/mmusim/mem/vm/tlb"
)

// A Mapping is one valid entry of a page table.
type Mapping struct {
	VPN      vm.VPN     `json:"vpn"`
	PFN      vm.PFN     `json:"pfn"`
	Writable bool       `json:"writable"`
	Sharing  vm.Sharing `json:"sharing"`
}

// A Snapshot is a copy of the state of the MMU that can be kept or
// serialized after the MMU moves on.
type Snapshot struct {
	Running    bool        `json:"running"`
	CurrentPID vm.PID      `json:"current_pid"`
	ReadyPIDs  []vm.PID    `json:"ready_pids"`
	PageTable  []Mapping   `json:"page_table"`
	TLB        []tlb.Entry `json:"tlb"`
	RefCounts  []uint32    `json:"ref_counts"`
	Stats      Stats       `json:"stats"`
}

// Snapshot copies the state of the MMU.
func (m *MMU) Snapshot() Snapshot {
	s := Snapshot{
		ReadyPIDs: m.readyQueue.PIDs(),
		TLB:       m.tlb.Entries(),
		RefCounts: m.frames.RefCounts(),
		Stats:     m.stats,
	}

	if m.current != nil {
		s.Running = true
		s.CurrentPID = m.current.PID
		s.PageTable = Mappings(m.current.PageTable)
	}

	return s
}

// Mappings lists the valid entries of a page table in vpn order.
func Mappings(pt *pagetable.PageTable) []Mapping {
	var ms []Mapping

	pt.ForEachValid(func(vpn vm.VPN, pte *vm.PTE) {
		ms = append(ms, Mapping{
			VPN:      vpn,
			PFN:      pte.PFN,
			Writable: pte.Writable,
			Sharing:  pte.Sharing,
		})
	})

	return ms
}
