package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// MemoryLedger is an in-process hash-chained ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []contracts.LedgerRecord
	byKey   map[string]int
	head    string
	signer  *Signer
	clock   func() time.Time
	newID   func() string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byKey: make(map[string]int),
		head:  Genesis,
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// WithClock overrides clock for testing.
func (l *MemoryLedger) WithClock(clock func() time.Time) *MemoryLedger {
	l.clock = clock
	return l
}

// WithSigner enables record signatures.
func (l *MemoryLedger) WithSigner(s *Signer) *MemoryLedger {
	l.signer = s
	return l
}

func (l *MemoryLedger) Anchor(ctx context.Context, verdict contracts.VerificationVerdict, verifierIdentity, idempotencyKey string) (contracts.LedgerRecord, error) {
	return l.append(ctx, 0, verdict, verifierIdentity, idempotencyKey)
}

func (l *MemoryLedger) Correct(ctx context.Context, corrects uint64, verdict contracts.VerificationVerdict, verifierIdentity, idempotencyKey string) (contracts.LedgerRecord, error) {
	if corrects == 0 {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: correction must reference a sequence", ErrInvalid)
	}
	return l.append(ctx, corrects, verdict, verifierIdentity, idempotencyKey)
}

func (l *MemoryLedger) append(ctx context.Context, corrects uint64, verdict contracts.VerificationVerdict, verifier, key string) (contracts.LedgerRecord, error) {
	if err := ctx.Err(); err != nil {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := validateAnchor(verdict, verifier, key); err != nil {
		return contracts.LedgerRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.byKey[key]; ok {
		return l.records[idx].Clone(), nil
	}
	if corrects > uint64(len(l.records)) {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: corrected sequence %d", ErrNotFound, corrects)
	}

	rec := contracts.LedgerRecord{
		RecordID:         l.newID(),
		Sequence:         uint64(len(l.records)) + 1,
		IdempotencyKey:   key,
		Verdict:          verdict.Clone(),
		VerifierIdentity: verifier,
		PrevFingerprint:  l.head,
		Corrects:         corrects,
		AnchoredAt:       anchorTime(l.clock()),
	}
	if err := seal(&rec, l.signer); err != nil {
		return contracts.LedgerRecord{}, err
	}

	l.records = append(l.records, rec)
	l.byKey[key] = len(l.records) - 1
	l.head = rec.Fingerprint
	return rec.Clone(), nil
}

func (l *MemoryLedger) Get(_ context.Context, sequence uint64) (contracts.LedgerRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if sequence == 0 || sequence > uint64(len(l.records)) {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: sequence %d", ErrNotFound, sequence)
	}
	return l.records[sequence-1].Clone(), nil
}

func (l *MemoryLedger) List(_ context.Context) ([]contracts.LedgerRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]contracts.LedgerRecord, len(l.records))
	for i, rec := range l.records {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Head returns the current head fingerprint.
func (l *MemoryLedger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

func (l *MemoryLedger) Verify(ctx context.Context) (VerifyResult, error) {
	records, _ := l.List(ctx)
	return verifyChain(records, l.signer)
}
