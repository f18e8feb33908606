// dswizard drives the data-source onboarding wizard non-interactively.
//
// Usage:
//
//	dswizard --answers file.yaml [--backend URL] [--config path] [--confirm] [--edit ID] [--dev]
//
// Flags:
//
//	--answers  YAML answers file (type, form fields, files, filter, tables)
//	--backend  Override backend.url from config
//	--config   Path to dsonboard.yaml (empty: built-in defaults)
//	--confirm  Accept saving more tables than wizard.confirm_threshold
//	--edit     Open the stored data source ID instead of creating one
//	--dev      Publish onboarding events to an in-process miniredis
//
// Environment:
//
//	DSONBOARD_SECRET_KEY  configuration encryption key (required if not set in config)
//
// The saved data source id is printed on stdout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/dsonboard/internal/infra"
	"github.com/ruslano69/dsonboard/pkg/dsapi"
	"github.com/ruslano69/dsonboard/pkg/wizard"
)

func main() {
	answersPath := flag.String("answers", "", "path to the answers file (required)")
	backendURL := flag.String("backend", "", "data-source service URL override")
	configPath := flag.String("config", "", "path to config file")
	confirm := flag.Bool("confirm", false, "confirm saving a large table selection")
	editID := flag.Int64("edit", 0, "id of a stored data source to edit")
	dev := flag.Bool("dev", false, "dev mode: in-process miniredis for events")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if *answersPath == "" {
		fmt.Fprintln(os.Stderr, "dswizard: --answers is required")
		flag.Usage()
		os.Exit(2)
	}
	ans, err := LoadAnswers(*answersPath)
	if err != nil {
		log.Fatal().Err(err).Msg("answers load failed")
	}

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("config load failed")
	}
	if *backendURL != "" {
		cfg.Backend.URL = *backendURL
	}

	inf, err := infra.Setup(cfg, *dev)
	if err != nil {
		log.Fatal().Err(err).Msg("infrastructure setup failed")
	}
	defer inf.Close()

	client := dsapi.NewClient(cfg.Backend.URL,
		dsapi.WithTimeout(cfg.Backend.Timeout),
		dsapi.WithRetry(cfg.Backend.Retry),
		dsapi.WithCircuitBreaker(cfg.Backend.Breaker),
		dsapi.WithLogger(log.Logger),
	)
	ctl := wizard.NewController(client, inf.Cipher,
		wizard.WithLogger(log.Logger),
		wizard.WithPublisher(inf.Publisher),
		wizard.WithConfirmationThreshold(cfg.Wizard.ConfirmThreshold),
		wizard.WithMonthOffset(cfg.Wizard.MonthOffset),
		wizard.WithMaxUploadSize(cfg.Server.MaxUpload),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := run(ctx, ctl, client, ans, runOptions{editID: *editID, confirm: *confirm}, log.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, wizard.UserMessage(err))
		log.Error().Err(err).Msg("wizard failed")
		code := 1
		var cr *wizard.ConfirmationRequired
		if errors.As(err, &cr) {
			code = 3
		}
		// os.Exit skips deferred calls.
		stop()
		inf.Close()
		os.Exit(code)
	}
	fmt.Println(id)
}
