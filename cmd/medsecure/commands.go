package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/medsecure/pkg/audit"
	"github.com/Mindburn-Labs/medsecure/pkg/config"
	"github.com/Mindburn-Labs/medsecure/pkg/ledger"
	"github.com/Mindburn-Labs/medsecure/pkg/session"
)

// withApp loads config, wires the app and runs fn against it.
func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) int) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(stderr, cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(ctx)
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id, manual, verifier, imagePath string
		timeout                         time.Duration
		jsonOutput                      bool
	)
	cmd.StringVar(&id, "id", "", "Scanned unit identifier")
	cmd.StringVar(&manual, "manual", "", "Manually entered unit identifier")
	cmd.StringVar(&verifier, "verifier", os.Getenv("USER"), "Verifier identity recorded in the ledger")
	cmd.StringVar(&imagePath, "image", "", "Packaging image for visual inspection")
	cmd.DurationVar(&timeout, "timeout", 2*time.Minute, "Maximum time to wait for the verdict")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" && manual == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id or --manual is required")
		cmd.Usage()
		return 2
	}

	var image []byte
	if imagePath != "" {
		var err error
		if image, err = os.ReadFile(imagePath); err != nil { //nolint:gosec // operator-supplied path
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		sessionID, err := a.controller.StartSession(ctx, session.Request{
			Identifier:       id,
			ManualEntry:      manual,
			VerifierIdentity: verifier,
			Image:            image,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			if errors.Is(err, session.ErrInvalidInput) {
				return 2
			}
			return 1
		}

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := a.controller.Wait(waitCtx, sessionID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}

		if jsonOutput {
			printJSON(stdout, res)
		} else {
			printResult(stdout, res)
		}
		if res.State != session.StateComplete {
			return 3
		}
		return 0
	})
}

func printResult(w io.Writer, res session.Result) {
	_, _ = fmt.Fprintf(w, "Session:   %s\n", res.SessionID)
	_, _ = fmt.Fprintf(w, "Unit:      %s\n", res.Identifier)
	if res.Catalog != nil {
		_, _ = fmt.Fprintf(w, "Product:   %s (batch %s, %s)\n", res.Catalog.DisplayName, res.Catalog.BatchNumber, res.Catalog.Manufacturer)
	}
	_, _ = fmt.Fprintf(w, "State:     %s\n", res.State)
	if res.Cause != "" {
		_, _ = fmt.Fprintf(w, "Cause:     %s\n", res.Cause)
	}
	if res.Verdict != nil {
		verdict := strings.ToUpper(string(res.Verdict.Outcome))
		_, _ = fmt.Fprintf(w, "Verdict:   %s\n", verdict)
		for _, issue := range res.Verdict.Issues {
			_, _ = fmt.Fprintf(w, "  - %s\n", issue)
		}
		if t := res.Verdict.Evidence.Telemetry; t != nil {
			_, _ = fmt.Fprintf(w, "Telemetry: %d readings in %s band, latest %.1f°C / %.1f%%RH (%d warning, %d critical)\n",
				t.Readings, t.Band, t.LatestTemperature, t.LatestHumidity, t.Warning, t.Critical)
		}
	}
	if res.Record != nil {
		_, _ = fmt.Fprintf(w, "Ledger:    #%d %s\n", res.Record.Sequence, res.Record.Fingerprint)
	} else if res.Verdict != nil {
		_, _ = fmt.Fprintln(w, "Ledger:    not anchored (retained for replay)")
	}
	for _, n := range res.Notes {
		_, _ = fmt.Fprintf(w, "Note:      %s\n", n)
	}
}

func runLedgerCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: medsecure ledger <list|verify> [flags]")
		return 2
	}
	switch args[0] {
	case "list":
		return runLedgerList(args[1:], stdout, stderr)
	case "verify":
		return runLedgerVerify(stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown ledger subcommand: %s\n", args[0])
		return 2
	}
}

func runLedgerList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ledger list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		outcome, query string
		jsonOutput     bool
	)
	cmd.StringVar(&outcome, "outcome", "all", "Filter by outcome (all, safe, unsafe)")
	cmd.StringVar(&query, "q", "", "Search product name, batch number or fingerprint")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	filter, err := audit.ParseOutcomeFilter(outcome)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		entries, err := a.audit.ListLedgerRecords(ctx, audit.Filter{Outcome: filter, SearchText: query})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if jsonOutput {
			printJSON(stdout, entries)
			return 0
		}
		for _, e := range entries {
			name := "(unknown unit)"
			if e.Catalog != nil {
				name = e.Catalog.DisplayName
			}
			_, _ = fmt.Fprintf(stdout, "#%-5d %-7s %-14s %-28s %s  %s\n",
				e.Record.Sequence, e.Record.Verdict.Outcome, e.Record.Verdict.UnitID, name,
				e.Record.AnchoredAt.Format(time.RFC3339), e.Record.VerifierIdentity)
		}
		_, _ = fmt.Fprintf(stdout, "%d record(s)\n", len(entries))
		return 0
	})
}

func runLedgerVerify(stdout, stderr io.Writer) int {
	return withApp(stderr, func(ctx context.Context, a *app) int {
		res, err := a.ledger.Verify(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Ledger verification FAILED: %v\n", err)
			if errors.Is(err, ledger.ErrChainBroken) {
				return 3
			}
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "Ledger OK: %d records (%d signed), head %s\n", res.Records, res.Signed, res.Head)
		return 0
	})
}

func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		report, err := session.ReplayPending(ctx, a.replay, a.ledger)
		_, _ = fmt.Fprintf(stdout, "Replayed: %d anchored, %d still pending\n", report.Anchored, report.Failed)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	})
}
