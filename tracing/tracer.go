// Package tracing provides hooks that observe what an MMU does.
package tracing

import (
	"log"
	"sync"

	"github.com/sarchlab/mmusim/mem/vm/mmu"
	"github.com/sarchlab/mmusim/sim"
)

// A Filter decides if a hook position should be traced.
type Filter func(pos *sim.HookPos) bool

// All traces every hook position.
func All(*sim.HookPos) bool { return true }

// Only traces the given positions.
func Only(positions ...*sim.HookPos) Filter {
	return func(pos *sim.HookPos) bool {
		for _, p := range positions {
			if p == pos {
				return true
			}
		}

		return false
	}
}

type named interface {
	Name() string
}

func domainName(ctx sim.HookCtx) string {
	if n, ok := ctx.Domain.(named); ok {
		return n.Name()
	}

	return ""
}

func eventOf(ctx sim.HookCtx) (mmu.Event, bool) {
	e, ok := ctx.Item.(mmu.Event)
	return e, ok
}

func modeString(e mmu.Event) string {
	if e.Mode == 0 {
		return "-"
	}

	return e.Mode.String()
}

func errString(e mmu.Event) string {
	if e.Err == nil {
		return ""
	}

	return e.Err.Error()
}

// LogTracer prints one line per MMU event.
type LogTracer struct {
	logger *log.Logger
	filter Filter
}

// NewLogTracer creates a LogTracer that writes into logger.
func NewLogTracer(logger *log.Logger, filter Filter) *LogTracer {
	if filter == nil {
		filter = All
	}

	return &LogTracer{logger: logger, filter: filter}
}

// Func logs the event carried by the hook context.
func (t *LogTracer) Func(ctx sim.HookCtx) {
	if !t.filter(ctx.Pos) {
		return
	}

	e, ok := eventOf(ctx)
	if !ok {
		return
	}

	switch ctx.Pos {
	case mmu.HookPosBoot:
		t.logger.Printf("%s, %s, pid %d\n",
			ctx.Pos.Name, domainName(ctx), e.PID)
	case mmu.HookPosSwitch, mmu.HookPosFork:
		t.logger.Printf("%s, %s, %d -> %d\n",
			ctx.Pos.Name, domainName(ctx), e.FromPID, e.PID)
	case mmu.HookPosViolation, mmu.HookPosOOM:
		t.logger.Printf("%s, %s, pid %d, vpn 0x%x, %s, %s\n",
			ctx.Pos.Name, domainName(ctx), e.PID, e.VPN, modeString(e),
			errString(e))
	default:
		t.logger.Printf("%s, %s, pid %d, vpn 0x%x, pfn 0x%x, %s\n",
			ctx.Pos.Name, domainName(ctx), e.PID, e.VPN, e.PFN, modeString(e))
	}
}

// CountTracer counts the events by hook position.
type CountTracer struct {
	lock   sync.Mutex
	filter Filter
	names  []string
	counts map[string]uint64
}

// NewCountTracer creates a CountTracer.
func NewCountTracer(filter Filter) *CountTracer {
	if filter == nil {
		filter = All
	}

	return &CountTracer{
		filter: filter,
		counts: make(map[string]uint64),
	}
}

// Func counts the hook position.
func (t *CountTracer) Func(ctx sim.HookCtx) {
	if !t.filter(ctx.Pos) {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.counts[ctx.Pos.Name]; !ok {
		t.names = append(t.names, ctx.Pos.Name)
	}

	t.counts[ctx.Pos.Name]++
}

// Names returns the positions seen so far, in the order first seen.
func (t *CountTracer) Names() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	names := make([]string, len(t.names))
	copy(names, t.names)

	return names
}

// Count returns how many times a position was seen.
func (t *CountTracer) Count(name string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.counts[name]
}
