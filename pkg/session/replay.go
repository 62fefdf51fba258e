package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/medsecure/pkg/artifacts"
	"github.com/Mindburn-Labs/medsecure/pkg/ledger"
)

// ReplayReport counts the outcome of one replay pass.
type ReplayReport struct {
	Anchored int `json:"anchored"`
	Failed   int `json:"failed"`
}

// ReplayPending anchors every retained verdict under its original idempotency
// key and removes the entries that made it into the ledger. Entries that fail
// again are kept for the next pass.
func ReplayPending(ctx context.Context, store artifacts.Store, l ledger.Ledger) (ReplayReport, error) {
	logger := slog.Default().With("component", "replay")

	pending, err := artifacts.LoadPending(ctx, store)
	if err != nil {
		return ReplayReport{}, fmt.Errorf("load pending verdicts: %w", err)
	}

	var report ReplayReport
	var errs []error
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := l.Anchor(ctx, p.Verdict, p.VerifierIdentity, p.IdempotencyKey)
		if err != nil {
			report.Failed++
			errs = append(errs, fmt.Errorf("session %s: %w", p.SessionID, err))
			logger.WarnContext(ctx, "replay anchor failed", "session_id", p.SessionID, "error", err)
			continue
		}
		if err := store.Delete(ctx, p.IdempotencyKey); err != nil && !errors.Is(err, artifacts.ErrNotFound) {
			errs = append(errs, fmt.Errorf("session %s: %w", p.SessionID, err))
		}
		report.Anchored++
		logger.InfoContext(ctx, "replayed verdict", "session_id", p.SessionID, "sequence", rec.Sequence)
	}
	return report, errors.Join(errs...)
}
