// Package main provides the huddled binary: the signaling server that
// hosts collaborative rooms over websockets.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/huddle/internal/config"
	"github.com/cory-johannsen/huddle/internal/hub"
	"github.com/cory-johannsen/huddle/internal/observability"
	"github.com/cory-johannsen/huddle/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	h := hub.New(observability.Component(logger, "hub"))

	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: mux,
	}

	logger.Info("starting huddled",
		zap.String("addr", cfg.Server.Addr()),
	)

	lc := server.NewLifecycle(logger)
	lc.Add("http", &server.FuncService{
		StartFn: func() error {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		},
		StopFn: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
		},
	})

	start := time.Now()
	if err := lc.Run(context.Background()); err != nil {
		logger.Fatal("lifecycle failed", zap.Error(err))
	}
	logger.Info("huddled stopped", zap.Duration("uptime", time.Since(start)))
}
