// Command wes-reindex rebuilds the SQLite run snapshot (sapporo.db)
// from the run directories on disk without starting the HTTP server.
// Useful after a crash, a manual run-directory edit, or a snapshot
// interval change — the snapshot is always a destroyable derived
// cache (I6), so this tool just forces the next rebuild immediately.
//
// Usage:
//
//	wes-reindex reindex           # rebuild sapporo.db once and exit
//	wes-reindex sweep <days>      # delete terminal runs older than N days
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"apex-build/internal/config"
	"apex-build/internal/indexer"
	"apex-build/internal/logging"
	"apex-build/internal/runstore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	flagArgs := os.Args[2:]

	var sweepDays int
	if command == "sweep" {
		if len(os.Args) < 3 {
			log.Fatal("usage: wes-reindex sweep <days>")
		}
		days, err := strconv.Atoi(os.Args[2])
		if err != nil || days <= 0 {
			log.Fatalf("invalid day count: %s", os.Args[2])
		}
		sweepDays = days
		flagArgs = os.Args[3:]
	}

	cfg, err := config.Load(flagArgs)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logging.Init(cfg.Debug)
	defer logging.Sync()

	store, err := runstore.New(cfg.RunDir)
	if err != nil {
		log.Fatalf("failed to open run store at %s: %v", cfg.RunDir, err)
	}

	ix := indexer.New(store, time.Duration(cfg.SnapshotIntervalMin)*time.Minute)

	switch command {
	case "reindex":
		logging.S().Infow("rebuilding snapshot", "run_dir", cfg.RunDir)
		ix.RunOnce()
		logging.S().Infow("snapshot rebuilt")
	case "sweep":
		ix.SweepAged(time.Duration(sweepDays) * 24 * time.Hour)
		logging.S().Infow("swept aged runs", "older_than_days", sweepDays)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`
wes-reindex: offline snapshot maintenance for the WES run manager

Usage:
  wes-reindex <command> [arguments]

Commands:
  reindex         Rebuild sapporo.db from the run directories on disk
  sweep <days>    Delete terminal runs whose end_time is older than N days
  help            Show this help message
`)
}
