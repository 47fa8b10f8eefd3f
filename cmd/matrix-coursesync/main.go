// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-coursesync provisions Matrix rooms for university courses
// and invites the enrolled students. It either serves POST /api/sync for the
// scraper front end or runs a single sync from a roster file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/aiku/matrix-coursesync/pkg/coursesync"
	"github.com/aiku/matrix-coursesync/pkg/coursesync/roster"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const usage = `matrix-coursesync - provision Matrix rooms for course rosters

Usage:
  matrix-coursesync [-c config.yaml] serve
  matrix-coursesync [-c config.yaml] sync ROSTER
  matrix-coursesync [-c config.yaml] -e

The sync command reads the acting user's password from COURSESYNC_PASSWORD.

Flags:
`

var (
	configPath     = flag.StringP("config", "c", "config.yaml", "Path to the config file.")
	generateConfig = flag.BoolP("generate-example-config", "e", false, "Write the example config to the config path and exit.")
	showVersion    = flag.BoolP("version", "v", false, "Print the version and exit.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("matrix-coursesync %s (commit %s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *generateConfig {
		if err := os.WriteFile(*configPath, []byte(coursesync.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := coursesync.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncer := coursesync.NewSyncer(cfg, log)
	switch flag.Arg(0) {
	case "serve":
		err = serve(ctx, coursesync.NewAPI(syncer, log), cfg.API.ListenAddr, log)
	case "sync":
		err = syncRoster(ctx, syncer, flag.Arg(1))
	default:
		flag.Usage()
		stop()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("Exiting with error")
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, api *coursesync.API, addr string, log zerolog.Logger) error {
	server := api.NewServer(addr)
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Starting sync API")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down sync API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func syncRoster(ctx context.Context, syncer *coursesync.Syncer, path string) error {
	if path == "" {
		return errors.New("sync requires a roster file")
	}
	file, err := roster.Load(path)
	if err != nil {
		return err
	}
	result, syncErr := syncer.Sync(ctx, coursesync.SyncRequest{
		UserID:   file.UserID,
		Password: os.Getenv("COURSESYNC_PASSWORD"),
		Courses:  file.Courses,
	})
	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return syncErr
}
