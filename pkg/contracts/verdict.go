package contracts

import "time"

// Outcome is the binary safety verdict.
type Outcome string

const (
	OutcomeSafe   Outcome = "safe"
	OutcomeUnsafe Outcome = "unsafe"
)

// IssueCode identifies one failed check. The aggregator appends codes in a
// fixed check order.
type IssueCode string

const (
	IssueExpired               IssueCode = "expired"
	IssueRecalled              IssueCode = "recalled"
	IssueColdChainCompromised  IssueCode = "cold_chain_compromised"
	IssueColdChainUnverifiable IssueCode = "cold_chain_unverifiable"
	IssueSealDamaged           IssueCode = "seal_damaged"
	IssuePackagingPoor         IssueCode = "packaging_poor"
	IssueVisualUnverifiable    IssueCode = "visual_unverifiable"
)

// Evidence is the signal snapshot a verdict was decided on. It is recorded for
// audit and never read back by the aggregator.
type Evidence struct {
	Visual    *VisualInspectionResult `json:"visual,omitempty"`
	Telemetry *TelemetrySummary       `json:"telemetry,omitempty"`
}

// VerificationVerdict is created once per completed session and never mutated.
type VerificationVerdict struct {
	UnitID    string      `json:"unit_id"`
	Outcome   Outcome     `json:"outcome"`
	Issues    []IssueCode `json:"issues"`
	DecidedAt time.Time   `json:"decided_at"`
	Evidence  Evidence    `json:"evidence"`
}

// Safe reports whether the verdict outcome is safe.
func (v VerificationVerdict) Safe() bool {
	return v.Outcome == OutcomeSafe
}

// Clone returns a copy that shares no memory with v.
func (v VerificationVerdict) Clone() VerificationVerdict {
	out := v
	if v.Issues != nil {
		out.Issues = append([]IssueCode{}, v.Issues...)
	}
	if v.Evidence.Visual != nil {
		vis := *v.Evidence.Visual
		out.Evidence.Visual = &vis
	}
	if v.Evidence.Telemetry != nil {
		tel := *v.Evidence.Telemetry
		out.Evidence.Telemetry = &tel
	}
	return out
}
