package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/harbor/orchestrator"
	"github.com/caffeineduck/harbor/server"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Run the guest once per console line",
	Long: `Build the runtime and read lines from the terminal. Each line is the
payload of one fresh instance; its stdout is printed.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.harbor_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".harbor_history")
	}

	ctx := cmd.Context()
	state, err := orchestrator.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
		defer cancel()
		state.Shutdown(shutdownCtx)
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "harbor %s (imports: %v; type 'exit' to quit)\n", cfg.Module, state.Module().Interfaces())
	return server.NewConsole(rl, cmd.OutOrStdout(), cmd.ErrOrStderr(), state.Dispatcher()).Serve(ctx)
}
