// corebusd is a standalone demo binary wiring the corebus facade, its
// admin HTTP surface, and graceful shutdown together, the way the
// teacher's cmd/outbox/main.go wires a single processor plus a
// health/metrics router.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	corebus "go.corebus.dev"
	"go.corebus.dev/internal/adminapi"
	"go.corebus.dev/internal/config"
	"go.corebus.dev/internal/corelog"
	"go.corebus.dev/internal/dispatch"
	"go.corebus.dev/internal/leaderelect"
	"go.corebus.dev/internal/lifecycle"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/storage"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a corebus.toml config file (optional)")
	pretty := flag.Bool("pretty", os.Getenv("COREBUS_DEV") == "true", "use console-pretty logging instead of JSON")
	flag.Parse()

	corelog.Configure(corelog.Options{Level: "info", Pretty: *pretty})
	log.Info().Str("version", version).Str("buildTime", buildTime).Msg("starting corebusd")

	cfg := config.DefaultCoreConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := config.ResolveSecrets(ctx, &cfg); err != nil {
		log.Fatal().Err(err).Msg("failed to resolve vault-backed configuration secrets")
	}

	registry := dispatch.NewRegistry()
	registerDemoHandlers(registry)

	var elector leaderelect.Elector
	if cfg.Leader.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Leader.RedisAddr})
		elector = leaderelect.NewRedisElector(client, leaderelect.Config{
			LockName:        cfg.Leader.LockName,
			TTL:             cfg.Leader.TTL,
			RefreshInterval: cfg.Leader.RefreshInterval,
		})
	}

	bus := corebus.New(corebus.Config{
		Registry: registry,
		Elector:  elector,
		OutboxPublish: func(ctx context.Context, rec *storage.OutboxRecord) error {
			log.Info().Str("id", rec.ID).Str("type", rec.Envelope.Type).Msg("outbox: delivered")
			return nil
		},
	})
	bus.Start(ctx)

	mgr := lifecycle.NewManager()
	mgr.RegisterProcessorShutdown("bus", func(ctx context.Context) error {
		bus.Stop()
		return nil
	})

	router := adminapi.NewRouter(adminapi.Config{
		DLQ: bus.DLQ(),
		Ready: func() (bool, string) {
			if elector == nil {
				return true, ""
			}
			if !elector.IsLeader() {
				return true, "standby"
			}
			return true, "leader"
		},
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("admin HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin HTTP server failed")
		}
	}()

	mgr.RegisterTransportShutdown("admin-http", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	if err := mgr.Run(); err != nil {
		log.Error().Err(err).Msg("shutdown did not complete cleanly")
		os.Exit(1)
	}
	log.Info().Msg("corebusd stopped")
}

// registerDemoHandlers wires a trivial "ping" command and query (both
// answer "pong") so the
// binary is runnable out of the box; real deployments register their own
// handlers against registry before calling corebus.New.
func registerDemoHandlers(registry *dispatch.Registry) {
	registry.RegisterCommand("ping", func(ctx context.Context, msg message.Message) message.Result {
		return message.Success("pong")
	})
	registry.RegisterQuery("ping", func(ctx context.Context, msg message.Message) message.Result {
		return message.Success("pong")
	})
}
