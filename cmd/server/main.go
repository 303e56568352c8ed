package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/canvas-sync/internal/broadcast"
	"github.com/example/canvas-sync/internal/config"
	"github.com/example/canvas-sync/internal/observability"
	"github.com/example/canvas-sync/internal/reconcile"
	"github.com/example/canvas-sync/internal/snapshot"
	"github.com/example/canvas-sync/internal/storage"
	"github.com/example/canvas-sync/internal/types"
	"github.com/example/canvas-sync/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	store := storage.NewStore(resources.Postgres)
	service := reconcile.NewService(store, logger)
	registry := ws.NewConnectionRegistry()
	broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, registry, logger)
	broadcaster.Start(ctx)

	exportWorker := snapshot.NewWorker(store, resources.Object, cfg.ObjectBucket, logger,
		snapshot.WithInterval(cfg.ExportInterval),
		snapshot.WithThreshold(int64(cfg.ExportThreshold)),
	)
	exportWorker.Start(ctx)

	// A change arriving over a websocket is merged against durable state
	// first, then published so every instance fans it out to its local
	// connections (the originating writer is skipped by node id).
	hooks := ws.Hooks{
		OnChange: func(ctx context.Context, conn *ws.Connection, env *types.Envelope) error {
			service.Reconcile(ctx, env.BoardID, []types.Change{env.Change})
			if err := broadcaster.Publish(ctx, *env); err != nil {
				logger.Warn().Err(err).Str("board", string(env.BoardID)).Msg("broadcast publish failed")
			}
			return nil
		},
	}

	gateway, err := ws.NewGateway(queryAuthenticator(), registry, logger, hooks, ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct websocket gateway")
	}

	reconcileHandler := reconcile.NewHTTPHandler(service, store, nil, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/boards/", reconcileHandler)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go healthcheckLoop(ctx, resources, logger, cfg.HealthcheckProbe)

	logger.Info().Msg("server dependencies initialized")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// queryAuthenticator trusts board_id/node_id query parameters. Deployments
// terminate real authentication upstream and swap this out.
func queryAuthenticator() ws.Authenticator {
	return ws.AuthFunc(func(r *http.Request) (ws.ClientIdentity, error) {
		return ws.ClientIdentity{
			NodeID:  r.URL.Query().Get("node_id"),
			BoardID: r.URL.Query().Get("board_id"),
		}, nil
	})
}

func healthcheckLoop(ctx context.Context, resources *config.Resources, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := resources.HealthCheck(context.Background()); err != nil {
				logger.Error().Err(err).Msg("dependency healthcheck failed")
			} else {
				logger.Debug().Msg("dependency healthcheck ok")
			}
		case <-ctx.Done():
			return
		}
	}
}
