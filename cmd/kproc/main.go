// kproc boots the process and signal core on a simulated root
// filesystem.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kproc",
		Short:         "Linux process, thread and signal core",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	addSettingsFlags(root)
	root.AddCommand(newBootCmd(), newScenariosCmd(), newProgramsCmd())
	return root
}

func newProgramsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "programs",
		Short: "List the builtin programs a manifest can install",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range builtinNames() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kproc: %v\n", err)
		os.Exit(1)
	}
}
