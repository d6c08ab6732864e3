// scx_eevdf runs scheduling policies against simulated workloads and
// reports fairness and run-queue latency.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Gthulhu/eevdf/plugin"
	// Import policy packages to trigger init() registration
	_ "github.com/Gthulhu/eevdf/plugin/eevdf"
	_ "github.com/Gthulhu/eevdf/plugin/simple"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "scx_eevdf",
		Short:        "Capacity-aware EEVDF scheduling policies",
		Long:         "scx_eevdf drives EEVDF scheduling policies through a simulated dispatcher and reports telemetry.",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newModesCmd())
	return root
}

func newModesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "modes",
		Short: "List registered scheduling policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, mode := range plugin.GetRegisteredModes() {
				fmt.Fprintln(cmd.OutOrStdout(), mode)
			}
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Error("scx_eevdf failed")
		os.Exit(1)
	}
}
