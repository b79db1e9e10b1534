// Package driver runs command traces against an MMU.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/mem/vm/mmu"
	"github.com/sarchlab/mmusim/trace"
)

// A Fault is a trace command that the MMU refused.
type Fault struct {
	Event trace.Event
	Err   error

	// Crash is set when the simulated program would have been killed, that
	// is when memory ran out or an access violated the page permissions.
	Crash bool
}

func (f Fault) String() string {
	kind := "error"
	if f.Crash {
		kind = "crash"
	}

	return fmt.Sprintf("line %d: %s: %s: %v", f.Event.Line, f.Event, kind, f.Err)
}

// A Simulation feeds the events of a trace to an MMU one at a time. The
// methods can be called while Run is in progress.
type Simulation struct {
	lock   sync.Mutex
	name   string
	mmu    *mmu.MMU
	events []trace.Event
	out    io.Writer

	executed int
	faults   []Fault

	paused bool
	resume chan struct{}
}

// NewSimulation creates a simulation that writes its reports into out.
func NewSimulation(
	name string,
	m *mmu.MMU,
	events []trace.Event,
	out io.Writer,
) *Simulation {
	if out == nil {
		out = io.Discard
	}

	return &Simulation{
		name:   name,
		mmu:    m,
		events: events,
		out:    out,
	}
}

// Name returns the name of the simulation.
func (s *Simulation) Name() string {
	return s.name
}

// Run executes the remaining events. It stops early and returns the error of
// ctx if ctx is done. Refused commands do not stop the run.
func (s *Simulation) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.waitIfPaused(ctx); err != nil {
			return err
		}

		if !s.step() {
			return nil
		}
	}
}

func (s *Simulation) step() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.executed >= len(s.events) {
		return false
	}

	s.execute(s.events[s.executed])
	s.executed++

	return true
}

func (s *Simulation) execute(e trace.Event) {
	var err error

	switch e.Op {
	case trace.OpAlloc:
		_, err = s.mmu.AllocPage(e.VPN, e.Mode)
	case trace.OpFree:
		err = s.mmu.FreePage(e.VPN)
	case trace.OpAccess:
		_, err = s.mmu.Translate(e.VPN, e.Mode)
	case trace.OpSwitch:
		s.mmu.SwitchProcess(e.PID)
	case trace.OpShow:
		s.showPageTable()
	case trace.OpTLB:
		s.showTLB()
	default:
		err = fmt.Errorf("unknown operation %s", e.Op)
	}

	if err != nil {
		s.report(e, err)
	}
}

func (s *Simulation) report(e trace.Event, err error) {
	f := Fault{
		Event: e,
		Err:   err,
		Crash: errors.Is(err, vm.ErrNoFreeFrame) ||
			errors.Is(err, vm.ErrAccessViolation),
	}

	s.faults = append(s.faults, f)
	fmt.Fprintln(s.out, f)
}

func (s *Simulation) showPageTable() {
	current := s.mmu.Current()
	if current == nil {
		fmt.Fprintln(s.out, "no process is running")
		return
	}

	fmt.Fprintf(s.out, "page table of pid %d\n", current.PID)

	for _, m := range mmu.Mappings(current.PageTable) {
		perm := "r"
		if m.Writable {
			perm = "rw"
		}

		fmt.Fprintf(s.out, "  vpn 0x%02x -> pfn 0x%02x %-2s %s\n",
			m.VPN, m.PFN, perm, m.Sharing)
	}
}

func (s *Simulation) showTLB() {
	fmt.Fprintln(s.out, "tlb")

	for _, e := range s.mmu.TLB().Entries() {
		perm := "r"
		if e.Writable {
			perm = "rw"
		}

		fmt.Fprintf(s.out, "  vpn 0x%02x -> pfn 0x%02x %s\n", e.VPN, e.PFN, perm)
	}
}

func (s *Simulation) waitIfPaused(ctx context.Context) error {
	s.lock.Lock()
	paused, resume := s.paused, s.resume
	s.lock.Unlock()

	if !paused {
		return nil
	}

	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause stops the run before the next event.
func (s *Simulation) Pause() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.paused {
		return
	}

	s.paused = true
	s.resume = make(chan struct{})
}

// Continue resumes a paused run.
func (s *Simulation) Continue() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.paused {
		return
	}

	s.paused = false
	close(s.resume)
}

// Paused tells if the run is paused.
func (s *Simulation) Paused() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.paused
}

// Now returns the number of events executed so far.
func (s *Simulation) Now() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.executed
}

// NumEvents returns the number of events in the trace.
func (s *Simulation) NumEvents() int {
	return len(s.events)
}

// Faults returns the commands refused so far.
func (s *Simulation) Faults() []Fault {
	s.lock.Lock()
	defer s.lock.Unlock()

	faults := make([]Fault, len(s.faults))
	copy(faults, s.faults)

	return faults
}

// Crashed tells if the simulated program has crashed at least once.
func (s *Simulation) Crashed() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, f := range s.faults {
		if f.Crash {
			return true
		}
	}

	return false
}

// Inspect calls fn with the MMU while no event executes. fn must not keep
// the MMU.
func (s *Simulation) Inspect(fn func(m *mmu.MMU)) {
	s.lock.Lock()
	defer s.lock.Unlock()

	fn(s.mmu)
}
