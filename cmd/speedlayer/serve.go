package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabienpiette/speedlayer/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	a.logger.WithField("environment", a.cfg.Environment).Info("Starting speedlayer")

	container, stop, err := a.container()
	if err != nil {
		return err
	}
	defer stop()

	httpServer := server.NewHTTPServer(a.cfg, container)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Start()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down speedlayer")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.WithError(err).Error("Error during HTTP server shutdown")
	}

	return nil
}
