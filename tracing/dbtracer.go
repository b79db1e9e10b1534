package tracing

import (
	"sync"

	"github.com/sarchlab/mmusim/datarecording"
	"github.com/sarchlab/mmusim/sim"
)

// EventTable is the table that DBTracer writes into.
const EventTable = "mmu_events"

type eventEntry struct {
	ID       string
	Seq      uint64
	Location string
	What     string
	PID      uint32
	FromPID  uint32
	VPN      uint32
	PFN      uint32
	OldPFN   uint32
	Mode     string
	Error    string
}

// DBTracer records every MMU event as a row of EventTable.
type DBTracer struct {
	lock     sync.Mutex
	recorder datarecording.DataRecorder
	idGen    sim.IDGenerator
	filter   Filter
	seq      uint64
	err      error
}

// NewDBTracer creates the event table and returns a tracer that fills it.
func NewDBTracer(
	recorder datarecording.DataRecorder,
	idGen sim.IDGenerator,
	filter Filter,
) (*DBTracer, error) {
	if filter == nil {
		filter = All
	}

	if err := recorder.CreateTable(EventTable, eventEntry{}); err != nil {
		return nil, err
	}

	return &DBTracer{
		recorder: recorder,
		idGen:    idGen,
		filter:   filter,
	}, nil
}

// Func records the event carried by the hook context.
func (t *DBTracer) Func(ctx sim.HookCtx) {
	if !t.filter(ctx.Pos) {
		return
	}

	e, ok := eventOf(ctx)
	if !ok {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.seq++
	err := t.recorder.InsertData(EventTable, eventEntry{
		ID:       t.idGen.Generate(),
		Seq:      t.seq,
		Location: domainName(ctx),
		What:     ctx.Pos.Name,
		PID:      uint32(e.PID),
		FromPID:  uint32(e.FromPID),
		VPN:      uint32(e.VPN),
		PFN:      uint32(e.PFN),
		OldPFN:   uint32(e.OldPFN),
		Mode:     modeString(e),
		Error:    errString(e),
	})

	if err != nil && t.err == nil {
		t.err = err
	}
}

// Err returns the first error met while recording.
func (t *DBTracer) Err() error {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.err
}
