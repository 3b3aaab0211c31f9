/*
Package process holds the process and thread model of the kernel core
and the identity tables that map ids to live entities.

A Process is a thread group. It owns one ProcessData record (address
space, namespace, process-wide signal state, child-exit wait queue) and
has one or more Threads, each owning a ThreadData record (clear-child-tid
address, per-thread signal state). Every Process belongs to exactly one
ProcessGroup.

# Construction and registration

Entities are built first and registered afterwards, so a failed build
never leaves a partial entry behind:

	p := process.NewProcess(pid, parent.Pid(), exitSig, data)
	leader := process.NewThread(pid, p, process.NewThreadData())
	if err := tables.RegisterProcess(p, leader, group); err != nil {
		// nothing was inserted
	}

Parent links are process ids and are resolved through Tables, so a
parent never keeps a reaped child alive and a child never keeps its
parent alive.

# Process States

	Running -> GroupExiting -> Zombie -> Reaped
	Running -----------------> Zombie

A Zombie keeps its pid and exit status until wait4 reaps it.
*/
package process
