package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"kproc/pkg/abi"
	"kproc/pkg/kernel"
	"kproc/pkg/parser"
	"kproc/pkg/process"
)

// threadFlags are the clone flags pthread_create uses.
const threadFlags = abi.CLONE_VM | abi.CLONE_FS | abi.CLONE_FILES | abi.CLONE_SIGHAND |
	abi.CLONE_THREAD | abi.CLONE_SYSVSEM

// builtins are the programs a manifest can install by name.
var builtins = map[string]builtin{
	"true":    func(*userland, *kernel.Task, []string, []string) int { return 0 },
	"false":   func(*userland, *kernel.Task, []string, []string) int { return 1 },
	"exit":    runExit,
	"echo":    runEcho,
	"raise":   runRaise,
	"threads": runThreads,
	"ps":      runPs,
	"init":    runInit,
	"sh":      runSh,
}

func builtinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func runExit(u *userland, t *kernel.Task, argv, _ []string) int {
	if len(argv) < 2 {
		return 0
	}
	code, err := strconv.Atoi(argv[1])
	if err != nil {
		u.printf("exit: %s: numeric argument required\n", argv[1])
		return 2
	}
	return code & 0xff
}

func runEcho(u *userland, _ *kernel.Task, argv, _ []string) int {
	u.printf("%s\n", strings.Join(argv[1:], " "))
	return 0
}

// runRaise sends itself each signal named on the command line and
// returns if it survives them.
func runRaise(u *userland, t *kernel.Task, argv, _ []string) int {
	for _, name := range argv[1:] {
		sig, ok := abi.ParseSignal(name)
		if !ok {
			u.printf("raise: %s: invalid signal\n", name)
			return 2
		}
		if e := kill(t, t.Pid(), sig); e != 0 {
			u.printf("raise: %v: %v\n", sig, e)
			return 1
		}
	}
	return 0
}

// runThreads starts threads that sleep on a futex word, wakes them all
// at once and waits for them to exit.
func runThreads(u *userland, t *kernel.Task, argv, _ []string) int {
	n := 4
	if len(argv) > 1 {
		v, err := strconv.Atoi(argv[1])
		if err != nil || v < 1 {
			u.printf("threads: %s: invalid count\n", argv[1])
			return 2
		}
		n = v
	}
	word := uint64(gateWord)
	if err := t.Memory().WriteU32(word, 0); err != nil {
		return 1
	}
	for i := range n {
		if _, e := clone(t, u.gateWorker, threadFlags); e != 0 {
			u.printf("threads: thread %d: %v\n", i, e)
			n = i
			break
		}
	}
	mem := t.Memory()
	for t.Kernel().Futexes().Waiters(mem, word, true) < n {
		t.Syscall(abi.SYS_SCHED_YIELD)
	}
	if err := mem.WriteU32(word, 1); err != nil {
		return 1
	}
	woken := futexWake(t, word, 0)
	for t.Process().LiveThreads() > 1 {
		t.Syscall(abi.SYS_SCHED_YIELD)
	}
	u.printf("threads: woke %d of %d\n", woken, n)
	return 0
}

// waitGate sleeps until the gate word is set and then exits the thread.
func waitGate(t *kernel.Task) {
	for {
		v, err := t.Memory().ReadU32(gateWord)
		if err != nil || v != 0 {
			break
		}
		futexWait(t, gateWord, 0)
	}
	t.Syscall(abi.SYS_EXIT, 0)
}

// runPs lists the registered processes.
func runPs(u *userland, t *kernel.Task, _, _ []string) int {
	var b strings.Builder
	fmt.Fprintf(&b, "%5s %5s %5s %-8s %4s %9s %s\n", "PID", "PPID", "PGID", "STATE", "THR", "RSS", "EXE")
	for _, p := range t.Kernel().Tables().Processes() {
		rss := "-"
		if p.State() == process.StateRunning {
			rss = humanize.IBytes(p.Data().Space().Resident())
		}
		pgid := int32(0)
		if g := p.Group(); g != nil {
			pgid = g.ID()
		}
		fmt.Fprintf(&b, "%5d %5d %5d %-8v %4d %9s %s\n",
			p.Pid(), p.PPID(), pgid, p.State(), p.LiveThreads(), rss, p.Data().Exe())
	}
	u.printf("%s", b.String())
	return 0
}

// runInit runs each argument as a command line and reaps every process
// that ends up as its child. It fails if any of the commands did.
func runInit(u *userland, t *kernel.Task, argv, envp []string) int {
	cmds := map[int32]string{}
	for _, line := range argv[1:] {
		s, err := parser.Parse(line)
		if err != nil {
			u.printf("init: %s: %v\n", line, err)
			return 1
		}
		if len(s.Lists) == 0 {
			continue
		}
		cmd, ok := s.Simple()
		if !ok {
			u.printf("init: %s: not a simple command\n", line)
			return 1
		}
		pid, e := u.spawn(t, cmd.Args, envp)
		if e != 0 {
			u.printf("init: %s: %v\n", line, e)
			return 1
		}
		cmds[pid] = line
	}
	failed := false
	for {
		pid, ws, e := wait4(t, -1, abi.WALL)
		if e == abi.ECHILD {
			break
		}
		if e != 0 {
			continue
		}
		line, ok := cmds[pid]
		if !ok {
			u.printf("init: reaped orphan %d: %s\n", pid, describe(ws))
			continue
		}
		u.printf("init: %s (pid %d): %s\n", line, pid, describe(ws))
		failed = failed || ws != abi.ExitedStatus(0)
	}
	u.printf("init: resident %s\n", humanize.IBytes(t.Memory().Resident()))
	if failed {
		return 1
	}
	return 0
}

// runSh interprets a script. Foreground commands are waited for; a
// command ending in & is left running and becomes init's once the
// shell exits. "exit N" ends the script.
func runSh(u *userland, t *kernel.Task, argv, envp []string) int {
	// The exec fallback runs "shell sh file", busybox style.
	if len(argv) > 1 && argv[1] == "sh" {
		argv = argv[1:]
	}
	if len(argv) < 2 {
		u.printf("sh: usage: sh script [args...]\n")
		return 2
	}
	name := argv[1]
	data, err := t.Kernel().FS().ReadFile(name)
	if err != nil {
		u.printf("sh: %s: %v\n", name, err)
		return exitNotRun
	}
	script, err := parser.Parse(string(data))
	if err != nil {
		u.printf("sh: %s: %v\n", name, err)
		return 2
	}

	last, exited := 0, false
	run := func(c *parser.Command) int {
		if exited {
			return last
		}
		if c.Args[0] == "exit" {
			exited = true
			return runExit(u, t, c.Args, envp)
		}
		pid, e := u.spawn(t, c.Args, envp)
		if e != 0 {
			u.printf("sh: %s: %v\n", c.Args[0], e)
			return exitNotRun
		}
		_, ws, e := wait4(t, pid, 0)
		switch {
		case e != 0:
			return 1
		case ws.Signaled():
			u.printf("sh: %s: %s\n", c.Args[0], describe(ws))
			return 128 + int(ws.TermSignal())
		}
		return ws.ExitStatus()
	}
	for _, l := range script.Lists {
		if !l.Background {
			last = l.Eval(run)
			if exited {
				return last
			}
			continue
		}
		if len(l.Commands) > 1 {
			u.printf("sh: %s: only a single command can run in the background\n", l)
			last = 2
			continue
		}
		if _, e := u.spawn(t, l.Commands[0].Args, envp); e != 0 {
			u.printf("sh: %s: %v\n", l.Commands[0].Args[0], e)
			last = exitNotRun
			continue
		}
		last = 0
	}
	return last
}
