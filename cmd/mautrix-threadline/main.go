// Copyright 2024-2026 Aiku AI

// Command mautrix-threadline is a Matrix-Threadline DM puppeting bridge. It
// maintains portal rooms for Threadline threads, ghost users for Threadline
// identities, and bidirectional message mappings between the two networks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/dbutil"
	flag "maunium.net/go/mauflag"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/aiku/mautrix-threadline/pkg/bridge"
	"github.com/aiku/mautrix-threadline/pkg/bridge/database"
	"github.com/aiku/mautrix-threadline/pkg/threadline"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file.", "config.yaml").String()
var generateConfig = flag.MakeFull("g", "generate-config", "Write the example config and exit.", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit.", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

func main() {
	flag.SetHelpTitles(
		"mautrix-threadline - A Matrix-Threadline DM puppeting bridge.",
		"mautrix-threadline [-c config.yaml] [-g]",
	)
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		return
	} else if *version {
		fmt.Printf("mautrix-threadline %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	} else if *generateConfig {
		fmt.Print(bridge.ExampleConfig)
		return
	}

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to configure logging:", err)
		os.Exit(11)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rawDB, err := dbutil.NewFromConfig("mautrix-threadline", cfg.Database, dbutil.ZeroLogger(*log))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	db := database.New(rawDB)
	if err = db.Upgrade(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to upgrade database schema")
	}

	matrix, err := bridge.NewASMatrix(cfg, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up Matrix transport")
	}
	remote := threadline.NewHTTPClient(cfg.Threadline.APIBaseURL, log.With().Str("component", "threadline").Logger())

	br := bridge.New(cfg, *log, db, matrix, remote)
	matrix.AttachEngine(br.QueueMatrixEvent)

	if err = matrix.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start Matrix transport")
	}
	if err = br.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start bridge engine")
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Msg("mautrix-threadline is running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	br.Stop()
	matrix.Stop()
	if err = db.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing database")
	}
}
