package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/harbor/config"
	"github.com/caffeineduck/harbor/fault"
)

var rootCmd = &cobra.Command{
	Use:   "harbor",
	Short: "WASM guest runtime with pluggable backends",
	Long: `harbor - Run a sandboxed WebAssembly guest against configured backends.

The guest imports capability interfaces (keyvalue, messaging, blobstore,
sql, vault). Each interface is provided by exactly one configured backend.
Requests arrive on HTTP, message topics, schedules or the console; every
request runs in its own fresh instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "harbor: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "harbor.yaml", "Configuration file")
}

// exitCode distinguishes the startup failure classes for supervisors.
func exitCode(err error) int {
	switch fault.ClassOf(err) {
	case fault.ClassConfiguration:
		return 2
	case fault.ClassConnection:
		return 3
	case fault.ClassCompilation:
		return 4
	default:
		return 1
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
