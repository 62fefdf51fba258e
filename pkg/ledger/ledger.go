// Package ledger anchors verification verdicts to an append-only, hash-chained
// and optionally signed record log.
//
//   - Sequence numbers are assigned by the ledger, strictly increasing, never reused.
//   - Anchoring is idempotent per key: a repeat returns the original record.
//   - Records are never mutated; corrections are new records referencing the old.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/medsecure/pkg/canonicalize"
	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// Genesis is the PrevFingerprint of the first record.
const Genesis = "genesis"

var (
	ErrNotFound    = errors.New("ledger: record not found")
	ErrWrite       = errors.New("ledger: write failed")
	ErrChainBroken = errors.New("ledger: chain broken")
	ErrInvalid     = errors.New("ledger: invalid anchor request")
)

// Ledger is the anchoring contract.
type Ledger interface {
	Anchor(ctx context.Context, verdict contracts.VerificationVerdict, verifierIdentity, idempotencyKey string) (contracts.LedgerRecord, error)
	// Correct appends a record superseding the record at sequence corrects.
	Correct(ctx context.Context, corrects uint64, verdict contracts.VerificationVerdict, verifierIdentity, idempotencyKey string) (contracts.LedgerRecord, error)
	Get(ctx context.Context, sequence uint64) (contracts.LedgerRecord, error)
	// List returns every record in sequence order.
	List(ctx context.Context) ([]contracts.LedgerRecord, error)
	Verify(ctx context.Context) (VerifyResult, error)
}

// VerifyResult summarises a successful chain verification.
type VerifyResult struct {
	Records uint64 `json:"records"`
	Head    string `json:"head"`
	Signed  uint64 `json:"signed"`
}

// IdempotencyKey derives the anchoring key from verdict content and a scope
// (the session id). Evidence is excluded.
func IdempotencyKey(v contracts.VerificationVerdict, scope string) (string, error) {
	return canonicalize.Fingerprint(struct {
		UnitID    string                `json:"unit_id"`
		Outcome   contracts.Outcome     `json:"outcome"`
		DecidedAt string                `json:"decided_at"`
		Issues    []contracts.IssueCode `json:"issues"`
		Scope     string                `json:"scope"`
	}{
		UnitID:    v.UnitID,
		Outcome:   v.Outcome,
		DecidedAt: v.DecidedAt.UTC().Format(time.RFC3339Nano),
		Issues:    v.Issues,
		Scope:     scope,
	})
}

func validateAnchor(v contracts.VerificationVerdict, verifier, key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty idempotency key", ErrInvalid)
	case verifier == "":
		return fmt.Errorf("%w: empty verifier identity", ErrInvalid)
	case v.UnitID == "":
		return fmt.Errorf("%w: verdict without unit", ErrInvalid)
	case v.Outcome != contracts.OutcomeSafe && v.Outcome != contracts.OutcomeUnsafe:
		return fmt.Errorf("%w: outcome %q", ErrInvalid, v.Outcome)
	}
	return nil
}

// anchorTime normalizes to the precision every backing store preserves.
func anchorTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// fingerprint hashes everything in the record except the fingerprint and signature.
func fingerprint(rec contracts.LedgerRecord) (string, error) {
	return canonicalize.Fingerprint(struct {
		Sequence         uint64                        `json:"sequence"`
		RecordID         string                        `json:"record_id"`
		IdempotencyKey   string                        `json:"idempotency_key"`
		Verdict          contracts.VerificationVerdict `json:"verdict"`
		VerifierIdentity string                        `json:"verifier_identity"`
		Corrects         uint64                        `json:"corrects"`
		AnchoredAt       time.Time                     `json:"anchored_at"`
		Prev             string                        `json:"prev"`
	}{rec.Sequence, rec.RecordID, rec.IdempotencyKey, rec.Verdict, rec.VerifierIdentity, rec.Corrects, rec.AnchoredAt, rec.PrevFingerprint})
}

// seal fills Fingerprint and Signature.
func seal(rec *contracts.LedgerRecord, signer *Signer) error {
	fp, err := fingerprint(*rec)
	if err != nil {
		return fmt.Errorf("%w: fingerprint: %v", ErrWrite, err)
	}
	rec.Fingerprint = fp
	if signer != nil {
		rec.Signature = signer.Sign([]byte(fp))
	}
	return nil
}

// verifyChain checks linkage, fingerprints, sequence monotonicity and, when a
// signer is configured, every signature. With a signer, an unsigned record
// breaks the chain.
func verifyChain(records []contracts.LedgerRecord, signer *Signer) (VerifyResult, error) {
	res := VerifyResult{Head: Genesis}
	var lastSeq uint64
	for _, rec := range records {
		if rec.Sequence <= lastSeq {
			return res, fmt.Errorf("%w: sequence %d follows %d", ErrChainBroken, rec.Sequence, lastSeq)
		}
		if rec.PrevFingerprint != res.Head {
			return res, fmt.Errorf("%w at sequence %d: expected prev %s, got %s", ErrChainBroken, rec.Sequence, res.Head, rec.PrevFingerprint)
		}
		computed, err := fingerprint(rec)
		if err != nil {
			return res, fmt.Errorf("%w at sequence %d: %v", ErrChainBroken, rec.Sequence, err)
		}
		if computed != rec.Fingerprint {
			return res, fmt.Errorf("%w: fingerprint mismatch at sequence %d", ErrChainBroken, rec.Sequence)
		}
		if signer != nil {
			if rec.Signature == "" {
				return res, fmt.Errorf("%w: missing signature at sequence %d", ErrChainBroken, rec.Sequence)
			}
			if !signer.Verify([]byte(rec.Fingerprint), rec.Signature) {
				return res, fmt.Errorf("%w: bad signature at sequence %d", ErrChainBroken, rec.Sequence)
			}
			res.Signed++
		}
		lastSeq = rec.Sequence
		res.Head = rec.Fingerprint
		res.Records++
	}
	return res, nil
}
