package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// SQLLedger persists the chain in a single table. Appends run in a transaction
// and hold no process-local lock. The UNIQUE idempotency key and the sequence
// primary key arbitrate concurrent writers: a writer that loses on its key
// returns the winner's record, and one that loses on the sequence gets
// ErrWrite and may retry.
type SQLLedger struct {
	db     *sql.DB
	signer *Signer
	clock  func() time.Time
	newID  func() string
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, clock: time.Now, newID: uuid.NewString}
}

// WithClock overrides clock for testing.
func (l *SQLLedger) WithClock(clock func() time.Time) *SQLLedger {
	l.clock = clock
	return l
}

// WithSigner enables record signatures.
func (l *SQLLedger) WithSigner(s *Signer) *SQLLedger {
	l.signer = s
	return l
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	sequence BIGINT PRIMARY KEY,
	record_id TEXT NOT NULL UNIQUE,
	idempotency_key TEXT NOT NULL UNIQUE,
	unit_id TEXT NOT NULL,
	outcome TEXT NOT NULL,
	verdict_json TEXT NOT NULL,
	verifier_identity TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	prev_fingerprint TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	corrects BIGINT NOT NULL DEFAULT 0,
	anchored_at TIMESTAMP NOT NULL
);
`

func (l *SQLLedger) Init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, ledgerSchema)
	return err
}

const recordCols = `sequence, record_id, idempotency_key, verdict_json, verifier_identity, fingerprint, prev_fingerprint, signature, corrects, anchored_at`

func (l *SQLLedger) Anchor(ctx context.Context, verdict contracts.VerificationVerdict, verifierIdentity, idempotencyKey string) (contracts.LedgerRecord, error) {
	return l.append(ctx, 0, verdict, verifierIdentity, idempotencyKey)
}

func (l *SQLLedger) Correct(ctx context.Context, corrects uint64, verdict contracts.VerificationVerdict, verifierIdentity, idempotencyKey string) (contracts.LedgerRecord, error) {
	if corrects == 0 {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: correction must reference a sequence", ErrInvalid)
	}
	return l.append(ctx, corrects, verdict, verifierIdentity, idempotencyKey)
}

func (l *SQLLedger) append(ctx context.Context, corrects uint64, verdict contracts.VerificationVerdict, verifier, key string) (contracts.LedgerRecord, error) {
	if err := validateAnchor(verdict, verifier, key); err != nil {
		return contracts.LedgerRecord{}, err
	}

	if existing, err := l.byKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return contracts.LedgerRecord{}, err
	}

	rec, err := l.insert(ctx, corrects, verdict, verifier, key)
	if err != nil {
		// Another writer may have won the race on the same key.
		if existing, lookupErr := l.byKey(ctx, key); lookupErr == nil {
			return existing, nil
		}
		return contracts.LedgerRecord{}, err
	}
	return rec, nil
}

func (l *SQLLedger) insert(ctx context.Context, corrects uint64, verdict contracts.VerificationVerdict, verifier, key string) (contracts.LedgerRecord, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: begin: %v", ErrWrite, err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		headSeq int64
		headFP  string
	)
	err = tx.QueryRowContext(ctx, `SELECT sequence, fingerprint FROM ledger_records ORDER BY sequence DESC LIMIT 1`).Scan(&headSeq, &headFP)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		headSeq, headFP = 0, Genesis
	case err != nil:
		return contracts.LedgerRecord{}, fmt.Errorf("%w: read head: %v", ErrWrite, err)
	}
	if corrects > uint64(headSeq) {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: corrected sequence %d", ErrNotFound, corrects)
	}

	rec := contracts.LedgerRecord{
		RecordID:         l.newID(),
		Sequence:         uint64(headSeq) + 1,
		IdempotencyKey:   key,
		Verdict:          verdict,
		VerifierIdentity: verifier,
		PrevFingerprint:  headFP,
		Corrects:         corrects,
		AnchoredAt:       anchorTime(l.clock()),
	}
	if err := seal(&rec, l.signer); err != nil {
		return contracts.LedgerRecord{}, err
	}

	verdictJSON, err := json.Marshal(rec.Verdict)
	if err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: encode verdict: %v", ErrWrite, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_records (sequence, record_id, idempotency_key, unit_id, outcome, verdict_json, verifier_identity, fingerprint, prev_fingerprint, signature, corrects, anchored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		int64(rec.Sequence), rec.RecordID, rec.IdempotencyKey, rec.Verdict.UnitID, string(rec.Verdict.Outcome),
		string(verdictJSON), rec.VerifierIdentity, rec.Fingerprint, rec.PrevFingerprint, rec.Signature,
		int64(rec.Corrects), rec.AnchoredAt,
	)
	if err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: insert: %v", ErrWrite, err)
	}
	if err := tx.Commit(); err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: commit: %v", ErrWrite, err)
	}
	return rec, nil
}

func (l *SQLLedger) byKey(ctx context.Context, key string) (contracts.LedgerRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM ledger_records WHERE idempotency_key = $1`, key)
	rec, err := scanLedgerRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.LedgerRecord{}, fmt.Errorf("%w: key %s", ErrNotFound, key)
		}
		return contracts.LedgerRecord{}, fmt.Errorf("%w: lookup: %v", ErrWrite, err)
	}
	return rec, nil
}

func (l *SQLLedger) Get(ctx context.Context, sequence uint64) (contracts.LedgerRecord, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+recordCols+` FROM ledger_records WHERE sequence = $1`, int64(sequence))
	rec, err := scanLedgerRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return contracts.LedgerRecord{}, fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
		}
		return contracts.LedgerRecord{}, err
	}
	return rec, nil
}

func (l *SQLLedger) List(ctx context.Context) ([]contracts.LedgerRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+recordCols+` FROM ledger_records ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.LedgerRecord
	for rows.Next() {
		rec, err := scanLedgerRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *SQLLedger) Verify(ctx context.Context) (VerifyResult, error) {
	records, err := l.List(ctx)
	if err != nil {
		return VerifyResult{}, err
	}
	return verifyChain(records, l.signer)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedgerRecord(s rowScanner) (contracts.LedgerRecord, error) {
	var (
		rec         contracts.LedgerRecord
		seq         int64
		corrects    int64
		verdictJSON string
	)
	if err := s.Scan(&seq, &rec.RecordID, &rec.IdempotencyKey, &verdictJSON, &rec.VerifierIdentity,
		&rec.Fingerprint, &rec.PrevFingerprint, &rec.Signature, &corrects, &rec.AnchoredAt); err != nil {
		return contracts.LedgerRecord{}, err
	}
	if err := json.Unmarshal([]byte(verdictJSON), &rec.Verdict); err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("ledger: decode verdict at sequence %d: %w", seq, err)
	}
	rec.Sequence = uint64(seq)
	rec.Corrects = uint64(corrects)
	rec.AnchoredAt = rec.AnchoredAt.UTC()
	return rec, nil
}
