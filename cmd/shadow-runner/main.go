// Package main - shadow-runner
// Executable to run soak tests against in-process sessions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/truststudy/carehome/internal/infra/storage"
	"github.com/truststudy/carehome/internal/platform/logger"
	"github.com/truststudy/carehome/internal/platform/metrics"
	"github.com/truststudy/carehome/internal/session"
	"github.com/truststudy/carehome/internal/shadow"
)

func main() {
	sessions := flag.Int("sessions", 50, "Number of concurrent sessions")
	steps := flag.Int("steps", 2000, "Random commands per session")
	seed := flag.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed")
	dbPath := flag.String("db", "", "Persist to this SQLite file and audit it afterwards")
	out := flag.String("out", "", "Write results as JSON to this file")
	flag.Parse()

	fmt.Println("CARE HOME TRUST SIMULATOR - SHADOW SOAK")
	fmt.Println("=======================================")
	fmt.Printf("Sessions: %d  Steps: %s  Seed: %d\n", *sessions, humanize.Comma(int64(*steps)), *seed)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	log := logger.New(os.Stderr, logger.ParseLevel("warn"))
	col := metrics.New()

	opts := session.Options{
		EmergencyInterval: 24 * time.Hour, // Ticks are driven by the soak itself
		Metrics:           col,
	}

	var recon *storage.Reconstructor
	if *dbPath != "" {
		db, err := storage.InitSQLite(*dbPath, 1)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			os.Exit(2)
		}
		defer db.Close()
		opts.Persister = storage.NewAuditPersister(db, col)
		recon = storage.NewReconstructor(storage.NewSQLiteActionLogRepository(db))
	}

	mgr := session.NewManager(ctx, opts, log)
	defer mgr.Shutdown(context.Background())

	start := time.Now()
	results, err := shadow.NewSoak(shadow.Config{Sessions: *sessions, Steps: *steps, Seed: *seed}, mgr, recon, log).Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "soak aborted: %v\n", err)
		os.Exit(2)
	}
	elapsed := time.Since(start)

	passed, failed := shadow.Summary(results)
	for _, r := range results {
		if !r.Passed {
			fmt.Printf("FAIL %s (%s): %s\n", r.Scenario, r.SessionID, r.Reason)
		}
	}

	fmt.Println("---------------------------------------")
	fmt.Printf("Commands:  %s in %v\n", humanize.Comma(int64(*sessions**steps)), elapsed.Round(time.Millisecond))
	fmt.Printf("Resolved:  %s\n", humanize.Comma(col.EmergenciesResolved))
	fmt.Printf("Replaced:  %s\n", humanize.Comma(col.EmergenciesReplaced))
	fmt.Printf("Passed:    %d\n", passed)
	fmt.Printf("Failed:    %d\n", failed)

	if *out != "" {
		raw, _ := json.MarshalIndent(results, "", "  ")
		if err := os.WriteFile(*out, raw, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write results: %v\n", err)
		}
	}

	if failed > 0 {
		os.Exit(1)
	}
}
