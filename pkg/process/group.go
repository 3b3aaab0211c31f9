package process

import (
	"slices"
	"sync"
)

// ProcessGroup is a set of processes addressed together by kill. It
// does not own its members.
type ProcessGroup struct {
	pgid int32

	mu      sync.Mutex
	members map[int32]*Process
}

// NewProcessGroup builds an empty, unregistered group.
func NewProcessGroup(pgid int32) *ProcessGroup {
	return &ProcessGroup{pgid: pgid, members: make(map[int32]*Process)}
}

func (g *ProcessGroup) ID() int32 { return g.pgid }

// Processes returns the members in pid order.
func (g *ProcessGroup) Processes() []*Process {
	g.mu.Lock()
	defer g.mu.Unlock()
	ps := make([]*Process, 0, len(g.members))
	for _, p := range g.members {
		ps = append(ps, p)
	}
	slices.SortFunc(ps, func(a, b *Process) int { return int(a.pid - b.pid) })
	return ps
}

// Len returns the number of members.
func (g *ProcessGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

func (g *ProcessGroup) add(p *Process) {
	g.mu.Lock()
	g.members[p.pid] = p
	g.mu.Unlock()
}

// remove drops p and reports whether the group became empty.
func (g *ProcessGroup) remove(p *Process) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, p.pid)
	return len(g.members) == 0
}
