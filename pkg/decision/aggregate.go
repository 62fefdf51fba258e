// Package decision fuses registry state, cold-chain telemetry and visual
// inspection into a single verification verdict.
package decision

import (
	"time"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
	"github.com/Mindburn-Labs/medsecure/pkg/telemetry"
)

// Aggregate applies the checks in fixed order and accumulates every failure:
//
//  1. expiry date on or before today (UTC calendar date)  -> expired
//  2. recalled                                             -> recalled
//  3. cold chain required: no rollup                       -> cold_chain_unverifiable
//     cold chain required: compromised rollup              -> cold_chain_compromised
//  4. seal not good                                        -> seal_damaged
//  5. packaging poor                                       -> packaging_poor
//
// A nil visual result yields visual_unverifiable in place of checks 4 and 5.
// The outcome is safe iff no issue was raised. Aggregate is pure.
func Aggregate(record contracts.CatalogRecord, rollup *telemetry.Rollup, visual *contracts.VisualInspectionResult, now time.Time) contracts.VerificationVerdict {
	issues := []contracts.IssueCode{}

	if !contracts.Date(record.ExpiryDate).After(contracts.Date(now)) {
		issues = append(issues, contracts.IssueExpired)
	}
	if record.Status == contracts.LifecycleRecalled {
		issues = append(issues, contracts.IssueRecalled)
	}
	if record.RequiresColdChain {
		switch {
		case rollup == nil:
			issues = append(issues, contracts.IssueColdChainUnverifiable)
		case rollup.Compromised:
			issues = append(issues, contracts.IssueColdChainCompromised)
		}
	}
	if visual == nil {
		issues = append(issues, contracts.IssueVisualUnverifiable)
	} else {
		if visual.Seal != contracts.SealGood {
			issues = append(issues, contracts.IssueSealDamaged)
		}
		if visual.Packaging == contracts.PackagingPoor {
			issues = append(issues, contracts.IssuePackagingPoor)
		}
	}

	outcome := contracts.OutcomeSafe
	if len(issues) > 0 {
		outcome = contracts.OutcomeUnsafe
	}

	return contracts.VerificationVerdict{
		UnitID:    record.ID,
		Outcome:   outcome,
		Issues:    issues,
		DecidedAt: now.UTC(),
		Evidence:  evidence(rollup, visual),
	}
}

func evidence(rollup *telemetry.Rollup, visual *contracts.VisualInspectionResult) contracts.Evidence {
	var ev contracts.Evidence
	if rollup != nil {
		summary := *rollup
		ev.Telemetry = &summary
	}
	if visual != nil {
		v := *visual
		ev.Visual = &v
	}
	return ev
}
