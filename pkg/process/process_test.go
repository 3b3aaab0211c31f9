package process

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kproc/pkg/abi"
	"kproc/pkg/mm"
	"kproc/pkg/signal"
)

func newData() *ProcessData {
	return NewProcessData("/init", mm.NewAddressSpace(mm.NewKernelMappings()), NewNamespace(0, "/"), signal.NewContext())
}

// spawn builds and registers a process whose leader has tid pid.
func spawn(t *testing.T, tb *Tables, pid, ppid int32, g *ProcessGroup) *Process {
	t.Helper()
	p := NewProcess(pid, ppid, abi.SIGCHLD, newData())
	if g == nil {
		g = NewProcessGroup(pid)
	}
	require.NoError(t, tb.RegisterProcess(p, NewThread(pid, p, NewThreadData()), g))
	return p
}

// TestProcessStateTransitions tests valid and invalid state transitions.
func TestProcessStateTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		to    State
		valid bool
	}{
		{"Running to GroupExiting", StateRunning, StateGroupExiting, true},
		{"Running to Zombie", StateRunning, StateZombie, true},
		{"GroupExiting to Zombie", StateGroupExiting, StateZombie, true},
		{"Zombie to Reaped", StateZombie, StateReaped, true},
		{"Running to Reaped", StateRunning, StateReaped, false},
		{"Zombie to Running", StateZombie, StateRunning, false},
		{"Reaped to Zombie", StateReaped, StateZombie, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcess(1, 0, abi.SIGCHLD, nil)
			p.state = tt.from
			err := p.transitionLocked(tt.to)
			if tt.valid {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, p.state)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		})
	}
}

// TestTables checks lookups and registration of processes and threads.
func TestTables(t *testing.T) {
	tb := NewTables(nil)
	root := spawn(t, tb, 1, 0, nil)
	child := spawn(t, tb, 2, 1, root.Group())

	got, err := tb.Process(2)
	require.NoError(t, err)
	assert.Same(t, child, got)

	_, err = tb.Process(99)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, abi.ESRCH)
	_, err = tb.Thread(99)
	assert.ErrorIs(t, err, abi.ESRCH)
	_, err = tb.Group(99)
	assert.ErrorIs(t, err, abi.ESRCH)

	g, err := tb.Group(1)
	require.NoError(t, err)
	assert.Equal(t, []*Process{root, child}, g.Processes())
	assert.Equal(t, []*Process{child}, root.Children())

	th := NewThread(3, child, NewThreadData())
	require.NoError(t, tb.RegisterThread(th))
	got2, err := tb.Thread(3)
	require.NoError(t, err)
	assert.Same(t, child, got2.Process())
	assert.Equal(t, 2, child.LiveThreads())

	// Registering the same thread twice fails.
	assert.ErrorIs(t, tb.RegisterThread(th), ErrExists)

	procs, threads, groups := tb.Counts()
	assert.Equal(t, [3]int{2, 3, 1}, [3]int{procs, threads, groups})
}

// TestRegisterFailureLeavesNothing checks that a failed registration
// inserts nothing.
func TestRegisterFailureLeavesNothing(t *testing.T) {
	tb := NewTables(nil)
	spawn(t, tb, 1, 0, nil)

	orphan := NewProcess(5, 42, abi.SIGCHLD, newData())
	err := tb.RegisterProcess(orphan, NewThread(5, orphan, NewThreadData()), NewProcessGroup(5))
	require.ErrorIs(t, err, ErrNotFound)

	_, err = tb.Process(5)
	assert.Error(t, err)
	_, err = tb.Thread(5)
	assert.Error(t, err)
	_, err = tb.Group(5)
	assert.Error(t, err)
}

func TestLimits(t *testing.T) {
	tb := NewTables(&Limits{MaxProcesses: 1, MaxThreads: 1})
	p := spawn(t, tb, 1, 0, nil)

	q := NewProcess(2, 1, abi.SIGCHLD, newData())
	err := tb.RegisterProcess(q, NewThread(2, q, NewThreadData()), NewProcessGroup(2))
	require.True(t, IsLimitError(err))
	assert.ErrorIs(t, err, abi.EAGAIN)

	err = tb.RegisterThread(NewThread(3, p, NewThreadData()))
	assert.True(t, IsLimitError(err))
	assert.Empty(t, p.Children())
}

// TestExitAndReap walks a process through its lifecycle.
func TestExitAndReap(t *testing.T) {
	tb := NewTables(nil)
	root := spawn(t, tb, 1, 0, nil)
	p := spawn(t, tb, 2, 1, nil)
	grandchild := spawn(t, tb, 3, 2, root.Group())

	th := NewThread(4, p, NewThreadData())
	require.NoError(t, tb.RegisterThread(th))

	assert.True(t, p.BeginGroupExit(abi.SignaledStatus(abi.SIGKILL, false)))
	assert.False(t, p.BeginGroupExit(abi.ExitedStatus(1)))
	assert.ErrorIs(t, tb.RegisterThread(NewThread(5, p, NewThreadData())), ErrExiting)

	assert.False(t, p.ThreadExit(th))
	assert.False(t, p.ThreadExit(th), "exiting twice counts once")
	tb.RemoveThread(th)
	assert.True(t, p.ThreadExit(p.Leader()))

	status, orphans, err := p.Exit(abi.ExitedStatus(0))
	require.NoError(t, err)
	assert.True(t, status.Signaled(), "the group status wins")
	assert.Equal(t, []*Process{grandchild}, orphans)
	assert.Empty(t, p.Children())
	require.NoError(t, root.Adopt(grandchild))
	assert.EqualValues(t, 1, grandchild.PPID())

	// A zombie takes no children.
	assert.ErrorIs(t, p.Adopt(grandchild), ErrExiting)

	ws, ok := p.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, abi.SIGKILL, ws.TermSignal())

	require.NoError(t, p.Reap())
	assert.Error(t, p.Reap(), "only one reaper wins")
	tb.RemoveProcess(p)

	_, err = tb.Process(2)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = tb.Thread(2)
	assert.Error(t, err)
	_, err = tb.Group(2)
	assert.Error(t, err, "the emptied group is gone")
	assert.Equal(t, []*Process{grandchild}, root.Children())
}

// TestAdoptSkipsReaped checks that an orphan reaped before its
// adoption never shows up among the new parent's children.
func TestAdoptSkipsReaped(t *testing.T) {
	tb := NewTables(nil)
	root := spawn(t, tb, 1, 0, nil)
	parent := spawn(t, tb, 2, 1, root.Group())
	live := spawn(t, tb, 3, 2, root.Group())
	gone := spawn(t, tb, 4, 2, root.Group())

	_, orphans, err := parent.Exit(abi.ExitedStatus(0))
	require.NoError(t, err)
	require.Equal(t, []*Process{live, gone}, orphans)

	_, _, err = gone.Exit(abi.ExitedStatus(3))
	require.NoError(t, err)
	require.NoError(t, gone.Reap())

	for _, c := range orphans {
		if c == gone {
			assert.ErrorIs(t, root.Adopt(c), ErrReaped)
			assert.ErrorIs(t, root.Adopt(c), abi.ESRCH)
			continue
		}
		require.NoError(t, root.Adopt(c))
	}
	assert.ElementsMatch(t, []*Process{parent, live}, root.Children())
	assert.EqualValues(t, 2, gone.PPID())
	assert.EqualValues(t, 1, live.PPID())
}

func TestSetGroup(t *testing.T) {
	tb := NewTables(nil)
	spawn(t, tb, 1, 0, nil)
	p := spawn(t, tb, 2, 1, nil)

	require.NoError(t, tb.SetGroup(p, 1))
	assert.EqualValues(t, 1, p.Group().ID())
	_, err := tb.Group(2)
	assert.Error(t, err)

	require.NoError(t, tb.SetGroup(p, 2))
	g, err := tb.Group(2)
	require.NoError(t, err)
	assert.Equal(t, []*Process{p}, g.Processes())
}

// TestNamespaceClone checks share versus copy of the namespace parts.
func TestNamespaceClone(t *testing.T) {
	ns := NewNamespace(0, "/home")

	shared := ns.Clone(true, true)
	assert.Same(t, ns.Files, shared.Files)
	assert.Same(t, ns.Cwd, shared.Cwd)

	copied := ns.Clone(false, false)
	assert.NotSame(t, ns.Files, copied.Files)
	copied.Cwd.Set("/tmp")
	assert.Equal(t, "/home", ns.Cwd.Get())
}
