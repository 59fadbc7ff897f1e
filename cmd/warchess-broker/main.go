package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/park285/warchess-server/internal/broker"
	appcfg "github.com/park285/warchess-server/internal/config"
	"github.com/park285/warchess-server/internal/obslog"
	"github.com/park285/warchess-server/internal/relay"
)

func main() {
	configPath := pflag.String("config", os.Getenv("CONFIG_FILE"), "YAML config file")
	addr := pflag.String("addr", "", "listen address (overrides BROKER_ADDR)")
	pflag.Parse()

	cfg, err := appcfg.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if *addr != "" {
		cfg.Broker.Addr = *addr
	}
	if err := obslog.Init(cfg.Log); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	var fetcher broker.RoomFetcher
	if base := strings.TrimSpace(cfg.Broker.CoreBaseURL); base != "" {
		fetcher = relay.NewClient(base,
			relay.WithTimeout(cfg.Broker.ValidateTimeout),
			relay.WithRetry(1),
			relay.WithRoomPath(cfg.Broker.RoomPath))
	} else {
		logger.Warn("broker_api_base_missing")
	}

	b := broker.New(broker.Config{
		WSPath:           cfg.Broker.WSPath,
		NotifyPath:       cfg.Broker.NotifyPath,
		Secret:           cfg.NotifySecret,
		SubscribeTimeout: cfg.Broker.SubscribeTimeout,
		ValidateTimeout:  cfg.Broker.ValidateTimeout,
		PingInterval:     cfg.Broker.PingInterval,
		MaxNotifyBytes:   cfg.Broker.MaxNotifyBytes,
	}, fetcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Broker.Addr,
		Handler:           b,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("broker_listening", zap.String("addr", cfg.Broker.Addr), zap.String("ws_path", cfg.Broker.WSPath))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("broker_failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// hijacked sockets are not tracked by Shutdown
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("broker_stopped")
}
