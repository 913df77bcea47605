package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tomwhite/lithops/internal/completion"
	"github.com/tomwhite/lithops/internal/proxy"
	"github.com/tomwhite/lithops/pkg/config"
	"github.com/tomwhite/lithops/pkg/logger"
)

// version is set at link time.
var version = "dev"

func main() {
	cfg := config.LoadProxyConfig()
	log := logger.New("lithops-proxy", logger.ParseLevel(cfg.LogLevel, slog.LevelInfo))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor, err := proxy.NewCommandExecutor(cfg.HandlerCommand, cfg.InvokerCommand, os.Stdout, os.Stderr)
	if err != nil {
		log.Error("invalid worker command", "error", err)
		os.Exit(1)
	}

	var modules proxy.ModuleLister = proxy.BuildInfoLister{}
	if len(cfg.ModulePaths) > 0 {
		modules = proxy.MultiLister{proxy.DirLister{Paths: cfg.ModulePaths}}
	}

	channels := completion.ForTarget(cfg.Target)
	router := proxy.New(log, proxy.Options{
		Executor:        executor,
		Modules:         modules,
		Signaler:        completion.NewStreamSignaler(channels, os.Stdout),
		Secret:          cfg.InvokeSecret,
		LanguageVersion: cfg.RuntimeVersion,
		Version:         version,
	})

	addr := ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("dispatcher starting", "addr", addr, "target", cfg.Target, "completion", channels.String())
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("dispatcher stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
