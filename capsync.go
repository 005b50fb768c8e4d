package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/clipnote/capsync/cfg"
	"github.com/clipnote/capsync/devserver"
	"github.com/clipnote/capsync/service"
	"github.com/clipnote/capsync/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("tab_id", cfg.Config.TabID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Capsync - Multi-writer SQLite annotation sync")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	if cfg.Config.Prometheus.Enabled {
		go serveMetrics()
	}

	if *cfg.DevServerFlag {
		runDevServer()
		return
	}
	runClient()
}

// runClient brings up the caption and layout sync services for the
// configured entity and keeps them alive until a signal arrives. Teardown
// order matters: services first, locks after.
func runClient() {
	sctx := service.NewSyncContext(cfg.Config)
	entity := cfg.Config.EntityID

	initCtx, cancelInit := context.WithTimeout(context.Background(),
		time.Duration(cfg.Config.Sync.ConnectTimeoutMS)*time.Millisecond*3)
	defer cancelInit()

	captions := sctx.Captions(entity, nil)
	if err := captions.Initialize(initCtx); err != nil {
		log.Fatal().Err(err).Str("entity", entity).Msg("Unable to start caption sync")
	}
	layout := sctx.Layout(entity, nil)
	if err := layout.Initialize(initCtx); err != nil {
		log.Fatal().Err(err).Str("entity", entity).Msg("Unable to start layout sync")
	}

	log.Info().
		Str("server", cfg.Config.Server.BaseURL).
		Str("user", cfg.Config.Server.UserID).
		Str("entity", entity).
		Msg("Sync session ready")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down session")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sctx.Close(ctx)
	log.Info().Msg("Session closed")
}

// runDevServer hosts the reference lock and sync authority that clients
// point their base_url and websocket_url at.
func runDevServer() {
	server := devserver.New(devserver.Config{
		DataDir: cfg.Config.DataDir,
		LockTTL: 5 * time.Minute,
		Databases: map[string]devserver.DatabaseSpec{
			"captions": {
				Bootstrap:     service.CaptionBootstrap,
				TrackedTables: []string{"captions"},
			},
			"layout": {
				Bootstrap:     service.LayoutBootstrap,
				TrackedTables: []string{"frame_extents"},
			},
		},
	})
	defer server.Close()

	httpServer := &http.Server{
		Addr:    ":8400",
		Handler: server.Handler(),
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Reference server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Reference server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("Shutting down reference server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Forced server shutdown")
	}
}

func serveMetrics() {
	handler := telemetry.GetMetricsHandler()
	if handler == nil {
		return
	}
	addr := fmt.Sprintf("%s:%d", cfg.Config.Prometheus.Address, cfg.Config.Prometheus.Port)
	log.Info().Str("addr", addr).Msg("Prometheus metrics listening")

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("Metrics endpoint failed")
	}
}
