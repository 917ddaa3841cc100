package main

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/inksync/internal/config"
	"github.com/example/inksync/internal/history"
	"github.com/example/inksync/internal/hub"
	"github.com/example/inksync/internal/observability"
	"github.com/example/inksync/internal/presence"
	"github.com/example/inksync/internal/snapshot"
	"github.com/example/inksync/internal/storage"
	syncstate "github.com/example/inksync/internal/sync"
	"github.com/example/inksync/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Str("instance", cfg.InstanceID).Logger()
	observability.RegisterRuntimeCollectors(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   cfg.InstanceID,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Health:       resources.HealthCheck,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() { _ = telemetryShutdown(context.Background()) }()

	wal := storage.NewWAL(resources.Postgres)
	if err := wal.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to migrate wal schema")
	}
	snapshots := snapshot.NewObjectStore(resources.Object, cfg.ObjectBucket, logger)

	boards := hub.New(ctx, hub.Config{
		Instance: cfg.InstanceID,
		Engine: syncstate.Config{
			HeartbeatInterval: cfg.Sync.HeartbeatInterval,
			HandshakeTimeout:  cfg.Sync.HandshakeTimeout,
			GapTimeout:        cfg.Sync.GapTimeout,
			InitialBackoff:    cfg.Sync.InitialBackoff,
			MaxBackoff:        cfg.Sync.MaxBackoff,
			ServeSnapshots:    true,
		},
		Presence: presence.Config{
			ReconnectAfter:  cfg.Presence.ReconnectAfter,
			DisconnectAfter: cfg.Presence.DisconnectAfter,
			SweepInterval:   cfg.Presence.SweepInterval,
		},
		CompactionThreshold: cfg.Sync.CompactionThreshold,
		PresenceTTL:         cfg.Presence.MirrorTTL,
		WALQueue:            cfg.Sync.WALQueue,
	}, hub.Deps{WAL: wal, Snapshots: snapshots, Redis: resources.Redis}, logger)

	if err := warmBoards(ctx, wal, boards, logger); err != nil {
		logger.Error().Err(err).Msg("failed to warm active boards")
	}

	pruner := snapshot.NewPruner(snapshots, boards.Documents, cfg.Snapshot.Retain, cfg.Snapshot.PruneInterval)
	go pruner.Start(ctx)

	registry := ws.NewConnectionRegistry()
	gateway, err := ws.NewGateway(ws.QueryAuthenticator, boards, registry, logger, ws.GatewayConfig{
		PingInterval: cfg.Gateway.PingInterval,
		PongWait:     cfg.Gateway.PongWait,
		SendBuffer:   cfg.Gateway.SendBuffer,
		WriteTimeout: cfg.Gateway.WriteTimeout,
		MaxFrameSize: cfg.Gateway.MaxFrameSize,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	historySvc := history.NewService(wal, logger, history.ServiceConfig{CacheSize: cfg.History.CacheSize})

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/documents/", documentsRouter{
		state:    history.NewHTTPHandler(historySvc, logger),
		presence: hub.NewPresenceHandler(boards, logger),
		logger:   logger,
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("relay started")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = httpServer.Shutdown(shutdownCtx)
		registry.CloseAll()
		boards.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// warmBoards starts a replica for every board with WAL history so that
// recovery happens before the first client connects.
func warmBoards(ctx context.Context, wal *storage.WAL, boards *hub.Hub, logger zerolog.Logger) error {
	docs, err := wal.ActiveDocuments(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if _, err := boards.Replica(ctx, doc); err != nil {
			logger.Error().Err(err).Str("document", string(doc)).Msg("failed to recover board")
		}
	}
	logger.Info().Int("boards", len(docs)).Msg("active boards recovered")
	return nil
}

// documentsRouter dispatches /documents/{id}/state and /documents/{id}/presence.
type documentsRouter struct {
	state    http.Handler
	presence http.Handler
	logger   zerolog.Logger
}

func (d documentsRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	observability.LoggerWithTrace(r.Context(), d.logger).Debug().
		Str("method", r.Method).Str("path", r.URL.Path).Msg("http request")

	switch {
	case strings.HasSuffix(r.URL.Path, "/state"):
		d.state.ServeHTTP(w, r)
	case strings.HasSuffix(r.URL.Path, "/presence"):
		d.presence.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}
