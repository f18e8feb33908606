// dsbackend is the development data-source service the onboarding wizard
// talks to.
//
// Usage:
//
//	dsbackend [--dev] [--config path] [--addr :8090]
//
// Flags:
//
//	--dev     Dev mode: in-process miniredis for events, privilege check only warns
//	--config  Path to dsonboard.yaml (empty: built-in defaults)
//	--addr    Override server.addr from config
//
// Environment:
//
//	DSONBOARD_SECRET_KEY  configuration encryption key (required if not set in config)
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/dsonboard/internal/guard"
	"github.com/ruslano69/dsonboard/internal/infra"
	"github.com/ruslano69/dsonboard/internal/server"
	"github.com/ruslano69/dsonboard/internal/staging"
	"github.com/ruslano69/dsonboard/internal/store"
	"github.com/ruslano69/dsonboard/pkg/probe"
)

func main() {
	dev := flag.Bool("dev", false, "dev mode: in-process miniredis, relaxed privilege check")
	configPath := flag.String("config", "", "path to config file")
	addrOverride := flag.String("addr", "", "listen address override (e.g. :8090)")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := guard.Check(); err != nil {
		if !*dev {
			log.Fatal().Err(err).Msg("privilege check failed, refusing to start")
		}
		log.Warn().Err(err).Msg("privilege check failed (ignored in dev mode)")
	}

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("config load failed")
	}
	if *addrOverride != "" {
		cfg.Server.Addr = *addrOverride
	}

	inf, err := infra.Setup(cfg, *dev)
	if err != nil {
		log.Fatal().Err(err).Msg("infrastructure setup failed")
	}
	defer inf.Close()

	if *dev {
		log.Warn().Msg("──────────────────────────────────────────────────────")
		log.Warn().Msg("  DEV MODE ACTIVE: in-process miniredis for events     ")
		log.Warn().Msg("  DO NOT use in production                             ")
		log.Warn().Msg("──────────────────────────────────────────────────────")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("store open failed")
	}
	defer st.Close()

	stg, err := staging.Open(cfg.Staging.Dir, cfg.Staging.Level)
	if err != nil {
		log.Fatal().Err(err).Msg("staging open failed")
	}
	defer stg.Close()

	trail, err := infra.NewAuditLogger(cfg.Audit, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("audit setup failed")
	}
	defer trail.Close()

	api := server.New(st, stg, probe.New(log.Logger), inf.Cipher,
		server.WithLogger(log.Logger),
		server.WithMaxUpload(cfg.Server.MaxUpload),
		server.WithRequestTimeout(cfg.Server.WriteTimeout),
		server.WithAuditor(trail),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Bool("dev", *dev).
			Str("store", cfg.Store.Path).
			Str("staging", cfg.Staging.Dir).
			Str("audit", cfg.Audit.File.Path).
			Msg("dsbackend started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown error")
	}
	log.Info().Msg("stopped")
}
