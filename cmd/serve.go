package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/edgevault/edgevault/internal/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload and reconstruction HTTP gateway",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sessions.StartReaper(ctx, cfg.Session.SweepInterval)
		go sweeper.Run(ctx, cfg.Tiering.Interval)

		server := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: gateway.NewServer(pipeline, engine).Handler(),
		}

		go func() {
			log.Infof("gateway listening on %s", cfg.ListenAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("gateway failed: %v", err)
			}
		}()

		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("gateway shutdown: %v", err)
		}
		if err := metaIdx.Close(); err != nil {
			log.Errorf("closing metadata index: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
