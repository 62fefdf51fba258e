package contracts

import "time"

// LedgerRecord is an anchored verdict. Once a sequence number is assigned the
// record is immutable; corrections are new records with Corrects set.
type LedgerRecord struct {
	RecordID         string              `json:"record_id"`
	Sequence         uint64              `json:"sequence"`
	IdempotencyKey   string              `json:"idempotency_key"`
	Verdict          VerificationVerdict `json:"verdict"`
	VerifierIdentity string              `json:"verifier_identity"`
	Fingerprint      string              `json:"fingerprint"`
	PrevFingerprint  string              `json:"prev_fingerprint"`
	Signature        string              `json:"signature,omitempty"`
	Corrects         uint64              `json:"corrects,omitempty"`
	AnchoredAt       time.Time           `json:"anchored_at"`
}

func (r LedgerRecord) Clone() LedgerRecord {
	r.Verdict = r.Verdict.Clone()
	return r
}
