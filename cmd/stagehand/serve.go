package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/stagehand/internal/httpapi"
)

var pollInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline daemon: issue polling plus the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		server, err := httpapi.NewServer(a.orch, a.logger, &httpapi.Config{
			Host: a.cfg.Server.Host,
			Port: a.cfg.Server.Port,
		})
		if err != nil {
			return err
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			a.logger.Info("shutting down on signal", zap.String("signal", sig.String()))
			cancel()
		}()

		errCh := make(chan error, 1)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		runErr := a.runner.Run(ctx, pollInterval)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown failed", zap.Error(err))
		}

		select {
		case err := <-errCh:
			return err
		default:
		}
		if errors.Is(runErr, context.Canceled) {
			return nil
		}
		return runErr
	},
}

func init() {
	serveCmd.Flags().DurationVar(&pollInterval, "poll-interval", 30*time.Second, "issue poll interval")
}
