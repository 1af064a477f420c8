package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/harbor/backend/wsbroker"
	"github.com/caffeineduck/harbor/internal/logging"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Serve a websocket message hub for wsbroker backends",
	Long: `Serve a websocket hub. wsbroker backends connect to it with WS_URL and
every publish is relayed to the connections subscribed to its topic.

Does not read the configuration file.`,
	Args: cobra.NoArgs,
	RunE: runHub,
}

func init() {
	hubCmd.Flags().String("addr", ":9090", "Listen address")
	hubCmd.Flags().String("log-level", "info", "Log level")
	rootCmd.AddCommand(hubCmd)
}

func runHub(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	level, _ := cmd.Flags().GetString("log-level")
	logger, err := logging.New(level, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveHub(ctx, ln, logger)
}

func serveHub(ctx context.Context, ln net.Listener, logger *zap.Logger) error {
	hub := wsbroker.NewHub(logger)
	srv := &http.Server{Handler: hub, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("hub listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	hub.Disconnect()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("hub stopped")
	return nil
}
