// Command lossserver serves the loss engine over REST, gRPC and WebSocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/perilstack/lossengine/internal/alerts"
	"github.com/perilstack/lossengine/internal/api"
	"github.com/perilstack/lossengine/internal/auth"
	"github.com/perilstack/lossengine/internal/config"
	"github.com/perilstack/lossengine/internal/metrics"
	"github.com/perilstack/lossengine/internal/rpc"
	"github.com/perilstack/lossengine/internal/service"
	"github.com/perilstack/lossengine/internal/store"
	"github.com/perilstack/lossengine/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	_ = godotenv.Load()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	slog.Info("lossserver starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))
	slog.Info("config loaded",
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"formula", cfg.Engine.Formula,
		"run_ttl", cfg.Server.Runs.TTL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Run store with background TTL eviction.
	st := store.New(cfg.Server.Runs.TTL)
	go st.Run(ctx)

	alertEngine, err := alerts.New(cfg.Server.Alerts)
	if err != nil {
		slog.Error("failed to build alert rules", "err", err)
		os.Exit(1)
	}

	reg := metrics.New()
	svc := service.New(service.DefaultsFromConfig(cfg.Engine), cfg.Server.Runs.MaxRecords, st, alertEngine, reg)

	hub := ws.New(st, cfg.Server.StreamInterval)
	svc.Subscribe(hub.Publish)
	reg.AddGauge("ws_clients", "Connected WebSocket clients.", func() float64 { return float64(hub.Count()) })
	go hub.Run(ctx)

	// Engine defaults follow the config file; ports and auth need a restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			svc.SetDefaults(service.DefaultsFromConfig(updated.Engine))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	key := auth.FromConfig(cfg.Server.Auth)
	if cfg.Server.Auth.Mode == "apikey" && !key.Enabled() {
		slog.Warn("auth mode is apikey but the key env var is empty; requests are not checked",
			"key_env", cfg.Server.Auth.KeyEnv)
	}

	grpcSrv := grpc.NewServer(append(rpc.MessageOptions(cfg.Server.MessageLimit()),
		grpc.UnaryInterceptor(key.UnaryInterceptor()),
		grpc.StreamInterceptor(key.StreamInterceptor()),
	)...)
	health := rpc.Register(grpcSrv, rpc.NewServer(svc))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port", "port", cfg.Server.GRPCPort, "err", err)
		os.Exit(1)
	}
	go func() {
		slog.Info("gRPC server listening", "port", cfg.Server.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "err", err)
		}
	}()

	httpMux := http.NewServeMux()
	apiHandler := api.New(svc, reg)
	httpMux.Handle("/api/", apiHandler)
	httpMux.Handle("/metrics", apiHandler)
	httpMux.Handle("/ws/stream", hub)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           key.Middleware(httpMux, "/api/v1/health", "/metrics"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	slog.Info("lossserver shutting down")
	health.Shutdown()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	grpcSrv.GracefulStop()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
}
