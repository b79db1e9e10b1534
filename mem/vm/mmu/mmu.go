// Package mmu provides the memory management unit of the simulated machine.
// It translates virtual pages of the running process, allocates and frees
// pages, resolves copy-on-write faults and switches between processes.
package mmu

import (
	"fmt"
	"log"

	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/mem/vm/frame"
	"github.com/sarchlab/mmusim/mem/vm/pagetable"
	"github.com/sarchlab/mmusim/mem/vm/process"
	"github.com/sarchlab/mmusim/mem/vm/tlb"
	"github.com/sarchlab/mmusim/sim"
)

// MMU holds every piece of state of the simulated machine that address
// translation depends on. It is not safe for concurrent use; the machine
// runs one process at a time.
type MMU struct {
	*sim.HookableBase

	name     string
	geometry vm.Geometry

	frames     *frame.Pool
	tlb        *tlb.TLB
	readyQueue *process.ReadyQueue
	current    *process.Process

	// ptbr is the page table base register, the table the MMU walks.
	ptbr *pagetable.PageTable

	stats Stats
}

// Name returns the name of the MMU.
func (m *MMU) Name() string {
	return m.name
}

// Geometry returns the shape of the page tables.
func (m *MMU) Geometry() vm.Geometry {
	return m.geometry
}

// Current returns the running process, nil before the first switch.
func (m *MMU) Current() *process.Process {
	return m.current
}

// PTBR returns the page table the MMU currently walks.
func (m *MMU) PTBR() *pagetable.PageTable {
	return m.ptbr
}

// Frames returns the physical frame pool.
func (m *MMU) Frames() *frame.Pool {
	return m.frames
}

// TLB returns the translation-lookaside buffer.
func (m *MMU) TLB() *tlb.TLB {
	return m.tlb
}

// ReadyQueue returns the processes that are not running.
func (m *MMU) ReadyQueue() *process.ReadyQueue {
	return m.readyQueue
}

// Stats returns the counters of the MMU.
func (m *MMU) Stats() Stats {
	return m.stats
}

// Processes returns the running process followed by the ready queue.
func (m *MMU) Processes() []*process.Process {
	ps := make([]*process.Process, 0, m.readyQueue.Len()+1)
	if m.current != nil {
		ps = append(ps, m.current)
	}

	return append(ps, m.readyQueue.Processes()...)
}

// FindProcess returns the running or ready process with the pid.
func (m *MMU) FindProcess(pid vm.PID) (*process.Process, bool) {
	if m.current != nil && m.current.PID == pid {
		return m.current, true
	}

	return m.readyQueue.Find(pid)
}

// LookupTLB returns the cached translation of vpn for the running process.
// It never walks the page table.
func (m *MMU) LookupTLB(vpn vm.VPN) (vm.PFN, bool) {
	e, found := m.tlb.Lookup(vpn)
	if !found {
		return 0, false
	}

	return e.PFN, true
}

// InsertTLB caches the translation from vpn to pfn. The write permission of
// the cached entry follows the page table entry that maps vpn to pfn.
func (m *MMU) InsertTLB(vpn vm.VPN, pfn vm.PFN) {
	writable := false

	if m.ptbr != nil {
		pte, found := m.ptbr.Lookup(vpn)
		if found && pte.PFN == pfn {
			writable = pte.Writable
		}
	}

	m.tlb.Insert(vpn, pfn, writable)
}

// AllocPage maps vpn of the running process to the lowest free frame. A page
// allocated for read-write can be written later; a read-only page cannot.
// Asking for write without read is a caller error.
func (m *MMU) AllocPage(vpn vm.VPN, mode vm.AccessMode) (vm.PFN, error) {
	err := m.checkAccess(vpn, mode)
	if err != nil {
		return 0, err
	}

	if mode == vm.AccessWrite {
		return 0, fmt.Errorf("alloc vpn %d: %w", vpn, vm.ErrWriteOnly)
	}

	if _, found := m.ptbr.Lookup(vpn); found {
		return 0, fmt.Errorf("alloc vpn %d: %w", vpn, vm.ErrAlreadyMapped)
	}

	pfn, err := m.frames.Alloc()
	if err != nil {
		m.stats.OutOfMemory++
		m.invoke(HookPosOOM, Event{PID: m.current.PID, VPN: vpn, Mode: mode, Err: err})

		return 0, fmt.Errorf("alloc vpn %d: %w", vpn, err)
	}

	m.ptbr.Install(vpn, vm.PTE{
		Valid:    true,
		Writable: mode.IsWrite(),
		Sharing:  vm.Exclusive,
		PFN:      pfn,
	})

	m.stats.Allocations++
	m.invoke(HookPosAlloc, Event{PID: m.current.PID, VPN: vpn, PFN: pfn, Mode: mode})

	return pfn, nil
}

// FreePage unmaps vpn from the running process. The frame is released when
// no other process shares it. The cached translation of vpn is dropped and
// the inner directory is released if it becomes empty.
func (m *MMU) FreePage(vpn vm.VPN) error {
	if m.ptbr == nil {
		return fmt.Errorf("free vpn %d: %w", vpn, vm.ErrNoPageTable)
	}

	if err := m.geometry.Check(vpn); err != nil {
		return fmt.Errorf("free: %w", err)
	}

	pte, found := m.ptbr.Lookup(vpn)
	if !found {
		return fmt.Errorf("free vpn %d: %w", vpn, vm.ErrNotMapped)
	}

	m.tlb.Invalidate(vpn)

	_, err := m.frames.Unref(pte.PFN)
	if err != nil {
		log.Panicf("vpn %d maps frame %d that is not referenced: %v",
			vpn, pte.PFN, err)
	}

	m.ptbr.Clear(vpn)

	m.stats.Frees++
	m.invoke(HookPosFree, Event{PID: m.current.PID, VPN: vpn, PFN: pte.PFN})

	return nil
}

// HandlePageFault resolves a fault raised when translating vpn for mode. It
// only resolves writes to copy-on-write pages. If no other mapping shares
// the frame, the page simply becomes writable. Otherwise the page moves to
// the lowest free frame. Any other fault is an access violation.
//
// A fault for an access that the entry already allows is stale, for example
// raised before another fault fixed the page. It changes nothing and
// returns nil so that the access can be retried.
func (m *MMU) HandlePageFault(vpn vm.VPN, mode vm.AccessMode) error {
	err := m.checkAccess(vpn, mode)
	if err != nil {
		return err
	}

	m.stats.PageFaults++
	m.invoke(HookPosPageFault, Event{PID: m.current.PID, VPN: vpn, Mode: mode})

	pte := m.ptbr.Entry(vpn)

	switch {
	case pte == nil:
		return m.violation(vpn, mode, "page directory is absent")
	case !pte.Valid:
		return m.violation(vpn, mode, "page is not mapped")
	case pte.Allows(mode):
		return nil
	case pte.Sharing != vm.Shared:
		return m.violation(vpn, mode, "page is read-only")
	}

	if m.frames.RefCount(pte.PFN) == 1 {
		m.reuseCOWFrame(vpn, pte)
		return nil
	}

	return m.copyCOWFrame(vpn, mode, pte)
}

func (m *MMU) reuseCOWFrame(vpn vm.VPN, pte *vm.PTE) {
	pte.Writable = true
	pte.Sharing = vm.Exclusive
	m.tlb.Invalidate(vpn)

	m.stats.COWReuses++
	m.invoke(HookPosCOWReuse, Event{
		PID:    m.current.PID,
		VPN:    vpn,
		PFN:    pte.PFN,
		OldPFN: pte.PFN,
		Mode:   vm.AccessWrite,
	})
}

func (m *MMU) copyCOWFrame(
	vpn vm.VPN,
	mode vm.AccessMode,
	pte *vm.PTE,
) error {
	newPFN, err := m.frames.Alloc()
	if err != nil {
		m.stats.OutOfMemory++
		m.invoke(HookPosOOM, Event{PID: m.current.PID, VPN: vpn, Mode: mode, Err: err})

		return fmt.Errorf("copy-on-write vpn %d: %w", vpn, err)
	}

	oldPFN := pte.PFN

	remaining, err := m.frames.Unref(oldPFN)
	if err != nil || remaining == 0 {
		log.Panicf("shared frame %d lost its other mappings", oldPFN)
	}

	pte.PFN = newPFN
	pte.Writable = true
	pte.Sharing = vm.Exclusive
	m.tlb.Invalidate(vpn)

	m.stats.COWCopies++
	m.invoke(HookPosCOWCopy, Event{
		PID:    m.current.PID,
		VPN:    vpn,
		PFN:    newPFN,
		OldPFN: oldPFN,
		Mode:   mode,
	})

	return nil
}

func (m *MMU) violation(vpn vm.VPN, mode vm.AccessMode, why string) error {
	err := fmt.Errorf("%s access to vpn %d: %s: %w",
		mode, vpn, why, vm.ErrAccessViolation)

	m.stats.AccessViolations++
	m.invoke(HookPosViolation, Event{
		PID:  m.current.PID,
		VPN:  vpn,
		Mode: mode,
		Err:  err,
	})

	return err
}

// SwitchProcess makes the process with pid the running one. A process that
// is in the ready queue is resumed. An unknown pid forks a child of the
// running process that shares every page copy-on-write. Either way the TLB
// is flushed. The first switch boots a process with an empty page table.
func (m *MMU) SwitchProcess(pid vm.PID) {
	if m.current == nil {
		m.boot(pid)
		return
	}

	if m.current.PID == pid {
		return
	}

	prev := m.current

	next, found := m.readyQueue.Remove(pid)
	if found {
		prev.PageTable.MarkCOW()
		m.stats.Switches++
	} else {
		next = m.fork(pid)
		m.stats.Forks++
	}

	m.readyQueue.Push(prev)
	m.current = next
	m.ptbr = next.PageTable
	m.tlb.InvalidateAll()

	pos := HookPosSwitch
	if !found {
		pos = HookPosFork
	}

	m.invoke(pos, Event{PID: next.PID, FromPID: prev.PID})
}

func (m *MMU) boot(pid vm.PID) {
	m.current = process.New(pid, m.geometry)
	m.ptbr = m.current.PageTable
	m.tlb.InvalidateAll()

	m.invoke(HookPosBoot, Event{PID: pid})
}

func (m *MMU) fork(pid vm.PID) *process.Process {
	child := &process.Process{
		PID:       pid,
		PageTable: m.current.PageTable.ForkCOW(),
	}

	child.PageTable.ForEachValid(func(_ vm.VPN, pte *vm.PTE) {
		m.frames.Ref(pte.PFN)
	})

	return child
}

// Translate performs an access of the running process the way the hardware
// would: it looks up the TLB, walks the page table on a miss, lets the page
// fault handler resolve a failed walk and caches the result.
func (m *MMU) Translate(vpn vm.VPN, mode vm.AccessMode) (vm.PFN, error) {
	err := m.checkAccess(vpn, mode)
	if err != nil {
		return 0, err
	}

	e, hit := m.tlb.Lookup(vpn)
	if hit && (!mode.IsWrite() || e.Writable) {
		m.stats.TLBHits++
		m.invoke(HookPosTLBHit, Event{PID: m.current.PID, VPN: vpn, PFN: e.PFN, Mode: mode})

		return e.PFN, nil
	}

	m.stats.TLBMisses++
	m.invoke(HookPosTLBMiss, Event{PID: m.current.PID, VPN: vpn, Mode: mode})

	for attempt := 0; ; attempt++ {
		pte, ok := m.walk(vpn, mode)
		if ok {
			m.tlb.Insert(vpn, pte.PFN, pte.Writable)
			return pte.PFN, nil
		}

		if attempt > 0 {
			log.Panicf("vpn %d still faults for %s after the fault is handled",
				vpn, mode)
		}

		err := m.HandlePageFault(vpn, mode)
		if err != nil {
			return 0, err
		}
	}
}

func (m *MMU) walk(vpn vm.VPN, mode vm.AccessMode) (vm.PTE, bool) {
	m.stats.PageWalks++

	pte, found := m.ptbr.Lookup(vpn)
	if !found || !pte.Allows(mode) {
		return vm.PTE{}, false
	}

	return pte, true
}

func (m *MMU) checkAccess(vpn vm.VPN, mode vm.AccessMode) error {
	if m.ptbr == nil {
		return fmt.Errorf("vpn %d: %w", vpn, vm.ErrNoPageTable)
	}

	if !mode.Valid() {
		return fmt.Errorf("vpn %d: %w %d", vpn, vm.ErrInvalidAccess, uint8(mode))
	}

	return m.geometry.Check(vpn)
}
