package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"kproc/pkg/abi"
	"kproc/pkg/kernel"
	"kproc/pkg/signal"
)

// scenario is a self-check that runs as the init of its own kernel. Its
// setup registers the code the check needs and returns the init program,
// which exits 0 when every expectation holds.
type scenario struct {
	name  string
	about string
	setup func(u *userland) builtin
}

var scenarios = []scenario{
	{"fork-private-memory", "a forked child's writes stay private", forkPrivateMemory},
	{"handler-mask", "a handler's mask defers a signal until sigreturn", handlerMaskDefers},
	{"wait-exit-status", "wait4 reports exit code 7 and SIGCHLD carries it", waitReportsExit},
	{"clone-contradiction", "THREAD|PARENT with an exit signal is rejected", contradictoryClone},
}

// result is the outcome of one scenario.
type result struct {
	name    string
	status  abi.WaitStatus
	output  string
	elapsed time.Duration
	err     error
}

func (r result) passed() bool {
	return r.err == nil && r.status == abi.ExitedStatus(0)
}

func newScenariosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scenarios [name...]",
		Short: "Run the built-in scenarios, each on its own kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			selected, err := selectScenarios(args)
			if err != nil {
				return err
			}
			log, err := s.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			mp, shutdown, err := newMeterProvider(cmd.Context(), s, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Warn("metrics shutdown", "err", err)
				}
			}()

			results, err := runScenarios(cmd.Context(), s, selected, log, mp.Meter(serviceName))
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), results)
		},
	}
}

func selectScenarios(names []string) ([]scenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}
	var out []scenario
	for _, name := range names {
		i := slices.IndexFunc(scenarios, func(sc scenario) bool { return sc.name == name })
		if i < 0 {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		out = append(out, scenarios[i])
	}
	return out, nil
}

// runScenarios boots one kernel per scenario, all at once.
func runScenarios(ctx context.Context, s *settings, list []scenario, log *slog.Logger, meter metric.Meter) ([]result, error) {
	results := make([]result, len(list))
	g, ctx := errgroup.WithContext(ctx)
	for i, sc := range list {
		g.Go(func() error {
			results[i] = runScenario(ctx, s, sc, log.With("scenario", sc.name), meter)
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runScenario(ctx context.Context, s *settings, sc scenario, log *slog.Logger, meter metric.Meter) result {
	var out bytes.Buffer
	m := &manifest{
		Init: "/sbin/" + sc.name,
		Args: []string{sc.name},
		Env:  []string{"PATH=/bin", "PWD=/"},
	}
	start := time.Now()
	u := newUserland(&out)
	r := result{name: sc.name}
	if err := u.install(m.Init, sc.setup(u), 0o755); err != nil {
		r.err = err
		return r
	}
	k := kernel.New(s.kernelConfig(log, meter), u.root, u.progs)
	r.status, r.err = run(ctx, k, m, s.Timeout)
	r.elapsed = time.Since(start)
	r.output = out.String()
	return r
}

// run starts the init of m on k and shuts k down once init exits.
func run(ctx context.Context, k *kernel.Kernel, m *manifest, timeout time.Duration) (abi.WaitStatus, error) {
	if _, err := k.Start(m.Init, m.Args, m.Env); err != nil {
		return 0, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := k.Wait(waitCtx)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if serr := k.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	return status, err
}

// Verdicts are colored only when stdout is a terminal.
var (
	okText   = color.New(color.FgGreen).SprintFunc()
	failText = color.New(color.FgRed, color.Bold).SprintFunc()
)

func report(w io.Writer, results []result) error {
	failed := 0
	for _, r := range results {
		verdict := okText("ok  ")
		if !r.passed() {
			verdict = failText("FAIL")
			failed++
		}
		fmt.Fprintf(w, "%s %-22s %8s\n", verdict, r.name, r.elapsed.Round(time.Microsecond))
		if r.passed() {
			continue
		}
		if r.err != nil {
			fmt.Fprintf(w, "     %v\n", r.err)
		} else {
			fmt.Fprintf(w, "     init %s\n", describe(r.status))
		}
		for line := range strings.Lines(r.output) {
			fmt.Fprintf(w, "     %s", line)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(results))
	}
	return nil
}

// fail reports a broken expectation and returns the exit code for it.
func fail(u *userland, format string, args ...any) int {
	u.printf(format+"\n", args...)
	return 1
}

func forkPrivateMemory(u *userland) builtin {
	const word = gateWord
	child := u.at(func(t *kernel.Task) {
		if err := t.Memory().WriteU32(word, 2); err != nil {
			t.Syscall(abi.SYS_EXIT, 1)
		}
		t.Syscall(abi.SYS_EXIT, 0)
	})
	return func(u *userland, t *kernel.Task, _, _ []string) int {
		mem := t.Memory()
		if err := mem.WriteU32(word, 1); err != nil {
			return fail(u, "write: %v", err)
		}
		pid, e := clone(t, child, abi.CloneFlags(abi.SIGCHLD))
		if e != 0 {
			return fail(u, "fork: %v", e)
		}
		if _, ws, e := wait4(t, pid, 0); e != 0 || ws != abi.ExitedStatus(0) {
			return fail(u, "wait4: %v, child %s", e, describe(ws))
		}
		if v, err := mem.ReadU32(word); err != nil || v != 1 {
			return fail(u, "parent reads %d (%v) after the child wrote 2", v, err)
		}
		return 0
	}
}

func handlerMaskDefers(u *userland) builtin {
	// Handlers run on the thread they interrupt, so order needs no lock.
	var order []string
	usr2 := u.at(func(*kernel.Task) {
		order = append(order, "usr2")
	})
	usr1 := u.at(func(t *kernel.Task) {
		order = append(order, "usr1")
		kill(t, t.Pid(), abi.SIGUSR2)
		order = append(order, "usr1 return")
	})
	return func(u *userland, t *kernel.Task, _, _ []string) int {
		mask := uint64(signal.SetOf(abi.SIGUSR2))
		if e := sigaction(t, abi.SIGUSR1, abi.Sigaction{Handler: usr1, Mask: mask}); e != 0 {
			return fail(u, "sigaction SIGUSR1: %v", e)
		}
		if e := sigaction(t, abi.SIGUSR2, abi.Sigaction{Handler: usr2}); e != 0 {
			return fail(u, "sigaction SIGUSR2: %v", e)
		}
		if e := kill(t, t.Pid(), abi.SIGUSR1); e != 0 {
			return fail(u, "kill: %v", e)
		}
		order = append(order, "main")
		if want := []string{"usr1", "usr1 return", "usr2", "main"}; !slices.Equal(order, want) {
			return fail(u, "delivery order %v, want %v", order, want)
		}
		return 0
	}
}

func waitReportsExit(u *userland) builtin {
	child := u.at(func(t *kernel.Task) {
		t.Syscall(abi.SYS_EXIT, 7)
	})
	return func(u *userland, t *kernel.Task, _, _ []string) int {
		mem := t.Memory()
		base := slot(t)
		set, ts, si := base+0x10, base+0x20, base+0x40
		if err := mem.WriteU64(set, uint64(signal.SetOf(abi.SIGCHLD))); err != nil {
			return fail(u, "write: %v", err)
		}
		if e := errnoOf(t.Syscall(abi.SYS_RT_SIGPROCMASK, abi.SIG_BLOCK, set, 0, abi.SigsetSize)); e != 0 {
			return fail(u, "sigprocmask: %v", e)
		}
		pid, e := clone(t, child, abi.CloneFlags(abi.SIGCHLD))
		if e != 0 {
			return fail(u, "fork: %v", e)
		}
		if _, ws, e := wait4(t, pid, 0); e != 0 || ws != abi.WaitStatus(7<<8) {
			return fail(u, "wait4: %v, status %#x, want %#x", e, uint32(ws), 7<<8)
		}

		// A zero timeout polls the queued SIGCHLD.
		if _, err := mem.WriteAt(make([]byte, 16), int64(ts)); err != nil {
			return fail(u, "write: %v", err)
		}
		if sig := t.Syscall(abi.SYS_RT_SIGTIMEDWAIT, set, si, ts, abi.SigsetSize); sig != uint64(abi.SIGCHLD) {
			return fail(u, "sigtimedwait: got %d (%v), want SIGCHLD", int64(sig), errnoOf(sig))
		}
		var info abi.Siginfo
		if _, err := mem.ReadAt(info[:], int64(si)); err != nil {
			return fail(u, "read siginfo: %v", err)
		}
		if info.Code() != abi.CLD_EXITED || info.Pid() != pid || info.Status() != 7 {
			return fail(u, "siginfo code %d pid %d status %d", info.Code(), info.Pid(), info.Status())
		}
		return 0
	}
}

func contradictoryClone(u *userland) builtin {
	child := u.at(func(t *kernel.Task) {
		t.Syscall(abi.SYS_EXIT, 0)
	})
	return func(u *userland, t *kernel.Task, _, _ []string) int {
		tables := t.Kernel().Tables()
		procs, threads, groups := tables.Counts()
		flags := abi.CLONE_THREAD | abi.CLONE_PARENT | abi.CloneFlags(abi.SIGCHLD)
		if _, e := clone(t, child, flags); e != abi.EINVAL {
			return fail(u, "clone %v: got %v, want %v", flags, e, abi.EINVAL)
		}
		p, th, g := tables.Counts()
		if p != procs || th != threads || g != groups {
			return fail(u, "tables changed: %d/%d/%d -> %d/%d/%d", procs, threads, groups, p, th, g)
		}
		return 0
	}
}
