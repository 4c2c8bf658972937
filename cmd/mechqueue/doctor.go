package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/redis/go-redis/v9"

	"github.com/mechlabs/mech-queue/internal/config"
	"github.com/mechlabs/mech-queue/internal/doctor"
	"github.com/mechlabs/mech-queue/internal/storage/postgres"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	// Default to JSON when stdout isn't a terminal (piped into a log
	// collector or CI step) so operators don't have to remember -json;
	// an explicit flag always wins.
	jsonOutput := !isatty.IsTerminal(os.Stdout.Fd())
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		case "-text", "--text":
			jsonOutput = false
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	var rdb redis.UniversalClient
	if cfg.BrokerAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.BrokerAddr})
		defer rdb.Close()
	}

	db, dbErr := postgres.Connect(ctx, buildDSN(cfg))
	if dbErr == nil {
		defer db.Close()
	}

	diag := doctor.Run(ctx, doctor.Config{Redis: rdb, Postgres: db}, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("mechqueue Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "OK"
		switch res.Status {
		case "FAIL":
			icon = "FAIL"
			failCount++
		case "WARN":
			icon = "WARN"
		}
		fmt.Printf("%-4s %-15s: %s\n", icon, res.Name, res.Message)
	}

	if failCount > 0 {
		return 1
	}
	return 0
}
