// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command wa-gateway runs a multi-tenant WhatsApp session gateway. Each
// tenant gets its own linked-device session; inbound messages are relayed to
// a decision backend and its replies are sent back to the contact.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/wa-gateway/pkg/backend"
	"github.com/aiku/wa-gateway/pkg/credstore"
	"github.com/aiku/wa-gateway/pkg/gateway"
	"github.com/aiku/wa-gateway/pkg/whatsapp"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	noUpdate           = flag.MakeFull("n", "no-update", "Don't save the upgraded config back to disk.", "false").Bool()
	writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	version            = flag.MakeFull("v", "version", "Print the version and exit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"wa-gateway - A multi-tenant WhatsApp session gateway.",
		"wa-gateway [-hnev] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Printf("wa-gateway %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		os.Exit(0)
	}

	if *writeExampleConfig {
		if err := os.WriteFile(*configPath, []byte(gateway.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig(*configPath, !*noUpdate)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting wa-gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open(cfg.Database.Type, cfg.Database.URI)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := credstore.Migrate(db, cfg.Database.Type, log.With().Str("component", "migrate").Logger()); err != nil {
		return err
	}

	creds, err := newCredentialStore(cfg, db)
	if err != nil {
		return err
	}
	dialer, err := whatsapp.NewDialer(ctx, db, cfg.Database.Type, cfg.WhatsApp.DeviceName, *log)
	if err != nil {
		return err
	}

	ctrl := gateway.NewController(gateway.ControllerParams{
		Credentials:    creds,
		Dialer:         dialer,
		Backend:        backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, nil, *log),
		Timing:         cfg.Gateway,
		NotifyTimeout:  cfg.Backend.NotifyTimeout,
		MessageTimeout: cfg.Backend.MessageTimeout,
		Log:            *log,
	})
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Stop()

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           gateway.NewAPI(ctrl, cfg.API.Token, *log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.API.Listen).Msg("Control API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("control API server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Control API shutdown error")
	}
	return nil
}

func newCredentialStore(cfg *gateway.Config, db *sql.DB) (gateway.CredentialStore, error) {
	switch cfg.Credentials.Backend {
	case "file":
		return credstore.NewFileStore(cfg.Credentials.Path)
	default:
		return credstore.NewSQLStore(db), nil
	}
}
