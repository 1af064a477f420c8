package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/harbor/orchestrator"
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Validate the guest module without connecting backends",
	Long: `Compile the guest module and check its imports against the interfaces
the configured backends provide. No backend is connected.

A backend without an explicit interfaces list is assumed to provide every
interface.`,
	Args: cobra.NoArgs,
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().String("module", "", "Module to compile instead of the configured one")
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if module, _ := cmd.Flags().GetString("module"); module != "" {
		cfg.Module = module
	}

	mod, err := orchestrator.Compile(cmd.Context(), cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: ok\n", cfg.Module)
	for _, iface := range mod.Interfaces() {
		fmt.Fprintf(out, "  %s: %s\n", iface, strings.Join(mod.Operations(iface), ", "))
	}
	return nil
}
