package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m0rjc/WatchBridge/internal/bridge"
	"github.com/m0rjc/WatchBridge/internal/config"
	"github.com/m0rjc/WatchBridge/internal/db"
	"github.com/m0rjc/WatchBridge/internal/db/linksession"
	"github.com/m0rjc/WatchBridge/internal/handlers"
	"github.com/m0rjc/WatchBridge/internal/localbus"
	"github.com/m0rjc/WatchBridge/internal/logging"
	"github.com/m0rjc/WatchBridge/internal/server"
	"github.com/m0rjc/WatchBridge/internal/websocket"
	"github.com/m0rjc/WatchBridge/internal/worker"
	"github.com/m0rjc/goconfig"
	"github.com/spf13/pflag"
)

func main() {
	// Initialize structured logging
	logging.InitLogger()

	slog.Info("starting watch bridge")

	// Load configuration
	cfg, err := config.Load(context.Background(), os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		goconfig.LogError(slog.Default(), err, goconfig.WithLogMessage("failed to load configuration"))
		os.Exit(1)
	}
	slog.Info("configuration loaded successfully",
		"peer", cfg.Peer.Endpoint.String(),
		"local_mode", cfg.Local.Mode,
	)

	// Optional database for the link session audit
	conns := db.NewConnections(nil, nil)

	if cfg.Database.DatabaseURL != "" {
		dbConn, err := db.NewPostgresConnection(cfg.Database.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		conns.DB = dbConn
		slog.Info("database connection established")
	}

	// Optional Redis for the local bus and link lease
	if cfg.Redis.RedisURL != "" {
		redisClient, err := db.NewRedisClient(cfg.Redis.RedisURL, cfg.Redis.RedisKeyPrefix)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		conns.Redis = redisClient
		slog.Info("redis connection established", "key_prefix", cfg.Redis.RedisKeyPrefix)
	}

	instanceID := cfg.Lease.InstanceID
	if instanceID == "" {
		instanceID = worker.DefaultInstanceID()
	}

	opts := []bridge.Option{bridge.WithRetryDelay(cfg.Peer.RetryDelay)}

	if cfg.Lease.Enabled {
		opts = append(opts, bridge.WithGate(worker.NewLinkLease(conns.Redis, cfg.Peer.Endpoint, instanceID, cfg.Lease.TTL)))
		slog.Info("link lease enabled", "instance_id", instanceID, "ttl", cfg.Lease.TTL)
	}

	var recorder *linksession.Recorder
	if conns.DB != nil {
		recorder = linksession.NewRecorder(conns, instanceID)
		opts = append(opts, bridge.WithRecorder(recorder))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := websocket.NewPeerDialer(cfg.Peer.HandshakeTimeout)
	deps := &handlers.Dependencies{
		Config: cfg,
		Conns:  conns,
	}

	var (
		b        *bridge.Bridge
		hub      *websocket.Hub
		localSrv *http.Server
	)

	switch cfg.Local.Mode {
	case config.LocalModeRedis:
		bus := localbus.NewRedisBus(conns.Redis)
		b = bridge.New(cfg.Peer.Endpoint, dialer, bus, opts...)
		go func() {
			if err := bus.Run(ctx, b); err != nil {
				slog.Error("local bus stopped", "error", err)
				os.Exit(1)
			}
		}()

	default:
		hub = websocket.NewHub()
		b = bridge.New(cfg.Peer.Endpoint, dialer, hub, opts...)
		deps.Local = hub
		localSrv = server.NewServer(cfg, websocket.LocalDeviceHandler(hub, b))
	}
	deps.Link = b

	// Create metrics server (internal only - not exposed publicly)
	metricsSrv := server.NewMetricsServer(cfg, deps)

	go func() {
		slog.Info("metrics server listening", "address", metricsSrv.Addr, "port", cfg.Metrics.Port)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
			os.Exit(1)
		}
	}()

	if localSrv != nil {
		go func() {
			slog.Info("local device server listening", "address", localSrv.Addr, "path", "/ws/local")
			if err := localSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("server error", "error", err)
				os.Exit(1)
			}
		}()
	}

	go func() {
		if err := b.Run(ctx); err != nil {
			slog.Error("bridge error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("received shutdown signal, shutting down gracefully")

	// Stop the bridge first so the peer link closes cleanly and the last
	// session is recorded.
	b.Stop()
	<-b.Done()
	cancel()

	if hub != nil {
		hub.Close()
	}
	if recorder != nil {
		recorder.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	servers := []*http.Server{metricsSrv}
	if localSrv != nil {
		servers = append(servers, localSrv)
	}

	errChan := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errChan <- fmt.Errorf("server %s shutdown error: %w", srv.Addr, err)
			} else {
				errChan <- nil
			}
		}(srv)
	}

	exitCode := 0
	for range servers {
		if err := <-errChan; err != nil {
			slog.Error("server forced to shutdown", "error", err)
			exitCode = 1
		}
	}

	if err := conns.Close(); err != nil {
		slog.Warn("closing connections", "error", err)
	}

	slog.Info("watch bridge stopped")
	os.Exit(exitCode)
}
