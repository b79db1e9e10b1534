// Package process provides the simulated processes and the ready queue that
// holds the ones not running.
package process

import (
	"container/list"

	"github.com/sarchlab/mmusim/mem/vm"
	"github.com/sarchlab/mmusim/mem/vm/pagetable"
)

// A Process owns one page table.
type Process struct {
	PID       vm.PID
	PageTable *pagetable.PageTable
}

// New creates a process with an empty page table.
func New(pid vm.PID, geometry vm.Geometry) *Process {
	return &Process{
		PID:       pid,
		PageTable: pagetable.New(geometry),
	}
}

// A ReadyQueue holds the processes that are not running. New processes are
// pushed at the front. Membership is looked up by PID in constant time.
type ReadyQueue struct {
	processes *list.List
	index     map[vm.PID]*list.Element
}

// NewReadyQueue creates an empty queue.
func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{
		processes: list.New(),
		index:     make(map[vm.PID]*list.Element),
	}
}

// Len returns the number of queued processes.
func (q *ReadyQueue) Len() int {
	return q.processes.Len()
}

// Contains returns true if a process with the pid is queued.
func (q *ReadyQueue) Contains(pid vm.PID) bool {
	_, found := q.index[pid]
	return found
}

// Find returns the queued process with the pid.
func (q *ReadyQueue) Find(pid vm.PID) (*Process, bool) {
	elem, found := q.index[pid]
	if !found {
		return nil, false
	}

	return elem.Value.(*Process), true
}

// Push puts a process at the front of the queue. It returns false if a
// process with the same pid is already queued.
func (q *ReadyQueue) Push(p *Process) bool {
	if q.Contains(p.PID) {
		return false
	}

	q.index[p.PID] = q.processes.PushFront(p)

	return true
}

// Remove unlinks the process with the pid and returns it.
func (q *ReadyQueue) Remove(pid vm.PID) (*Process, bool) {
	elem, found := q.index[pid]
	if !found {
		return nil, false
	}

	q.processes.Remove(elem)
	delete(q.index, pid)

	return elem.Value.(*Process), true
}

// Processes returns the queued processes from front to back.
func (q *ReadyQueue) Processes() []*Process {
	ps := make([]*Process, 0, q.processes.Len())
	for e := q.processes.Front(); e != nil; e = e.Next() {
		ps = append(ps, e.Value.(*Process))
	}

	return ps
}

// PIDs returns the pids of the queued processes from front to back.
func (q *ReadyQueue) PIDs() []vm.PID {
	pids := make([]vm.PID, 0, q.processes.Len())
	for e := q.processes.Front(); e != nil; e = e.Next() {
		pids = append(pids, e.Value.(*Process).PID)
	}

	return pids
}
