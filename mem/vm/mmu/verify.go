package mmu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/mmusim/mem/vm"
)

// Verify checks that the state of the MMU is consistent. It returns every
// broken rule joined into one error, or nil.
//
//   - The reference count of a frame equals the number of valid entries
//     that map it, across all processes.
//   - A shared entry is never writable.
//   - The running process is not in the ready queue and the PTBR is its
//     page table.
//   - Every cached translation matches the running page table and never
//     grants a write the page table would refuse.
func (m *MMU) Verify() error {
	var errs []error

	errs = append(errs, m.verifyRefCounts()...)
	errs = append(errs, m.verifyCurrent()...)
	errs = append(errs, m.verifyTLB()...)

	return errors.Join(errs...)
}

func (m *MMU) verifyRefCounts() []error {
	var errs []error

	mappings := make([]uint32, m.frames.NumFrames())

	for _, p := range m.Processes() {
		p.PageTable.ForEachValid(func(vpn vm.VPN, pte *vm.PTE) {
			if int(pte.PFN) >= len(mappings) {
				errs = append(errs, fmt.Errorf(
					"pid %d vpn %d maps frame %d out of range",
					p.PID, vpn, pte.PFN))
				return
			}

			mappings[pte.PFN]++

			if pte.Sharing == vm.Shared && pte.Writable {
				errs = append(errs, fmt.Errorf(
					"pid %d vpn %d is shared and writable", p.PID, vpn))
			}
		})
	}

	for pfn, count := range m.frames.RefCounts() {
		if count != mappings[pfn] {
			errs = append(errs, fmt.Errorf(
				"frame %d has %d references but %d mappings",
				pfn, count, mappings[pfn]))
		}
	}

	return errs
}

func (m *MMU) verifyCurrent() []error {
	if m.current == nil {
		if m.ptbr != nil {
			return []error{errors.New("ptbr is bound without a process")}
		}

		return nil
	}

	var errs []error

	if m.readyQueue.Contains(m.current.PID) {
		errs = append(errs, fmt.Errorf(
			"running process %d is in the ready queue", m.current.PID))
	}

	if m.ptbr != m.current.PageTable {
		errs = append(errs, fmt.Errorf(
			"ptbr is not the page table of process %d", m.current.PID))
	}

	return errs
}

func (m *MMU) verifyTLB() []error {
	var errs []error

	seen := make(map[vm.VPN]bool)

	for _, e := range m.tlb.Entries() {
		if seen[e.VPN] {
			errs = append(errs, fmt.Errorf("vpn %d is cached twice", e.VPN))
		}
		seen[e.VPN] = true

		if m.ptbr == nil {
			errs = append(errs, fmt.Errorf("vpn %d is cached without a ptbr", e.VPN))
			continue
		}

		pte, found := m.ptbr.Lookup(e.VPN)
		switch {
		case !found:
			errs = append(errs, fmt.Errorf("vpn %d is cached but not mapped", e.VPN))
		case pte.PFN != e.PFN:
			errs = append(errs, fmt.Errorf(
				"vpn %d is cached to frame %d but mapped to %d",
				e.VPN, e.PFN, pte.PFN))
		case e.Writable && !pte.Writable:
			errs = append(errs, fmt.Errorf(
				"vpn %d is cached writable but mapped read-only", e.VPN))
		}
	}

	return errs
}
