package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/harbor/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect backends, prepare the guest and serve listeners",
	Long: `Connect every configured backend, compile and link the guest module,
pre-instantiate it and serve the configured listeners until SIGINT or
SIGTERM. In-flight instances are drained within shutdown_grace.

Any startup failure exits non-zero before a listener opens.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return orchestrator.Run(ctx, cfg)
}
