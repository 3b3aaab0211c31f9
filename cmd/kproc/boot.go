package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"kproc/pkg/abi"
	"kproc/pkg/kernel"
	"kproc/pkg/sched"
)

// shutdownGrace bounds the wait for tasks that outlive init.
const shutdownGrace = 5 * time.Second

var errInitFailed = errors.New("init failed")

func newBootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boot [manifest]",
		Short: "Boot a root filesystem and run its init to completion",
		Long: `Boot builds an in-memory root filesystem from a TOML manifest, starts
its init and waits for init to exit. Without a manifest the built-in
root filesystem is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				s.Manifest = args[0]
			}
			m, err := loadManifest(s.Manifest)
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

			out := cmd.OutOrStdout()
			status, stats, err := boot(cmd.Context(), s, m, out, log, mp.Meter(serviceName))
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "init %s: %s tasks, %s yields, %s sleeps\n", describe(status),
				humanize.Comma(stats.Spawned), humanize.Comma(stats.Yields), humanize.Comma(stats.Blocks))
			if status != abi.ExitedStatus(0) {
				return fmt.Errorf("%w: %s", errInitFailed, describe(status))
			}
			return nil
		},
	}
	cmd.Flags().String("manifest", "", "root filesystem manifest (default: built in)")
	return cmd
}

// boot runs the init of m on a fresh kernel and returns its wait status
// together with the scheduler statistics at shutdown.
func boot(ctx context.Context, s *settings, m *manifest, out io.Writer, log *slog.Logger, meter metric.Meter) (abi.WaitStatus, sched.Stats, error) {
	u, err := m.build(out)
	if err != nil {
		return 0, sched.Stats{}, err
	}
	defer u.close()
	k := kernel.New(s.kernelConfig(log, meter), u.root, u.progs)
	if _, err := k.Start(m.Init, m.Args, m.Env); err != nil {
		return 0, sched.Stats{}, fmt.Errorf("start %s: %w", m.Init, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	status, waitErr := k.Wait(waitCtx)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := k.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown incomplete", "err", err, "live", k.Scheduler().Stats().Live)
	}
	if waitErr != nil {
		return 0, k.Scheduler().Stats(), fmt.Errorf("waiting for init: %w", waitErr)
	}
	return status, k.Scheduler().Stats(), nil
}
