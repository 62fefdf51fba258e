// Package registry is the authoritative catalog of pharmaceutical units.
//
// Records are immutable once issued. Reissuing an identifier appends a new
// revision; Lookup always answers with the highest revision.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

var (
	ErrNotFound      = errors.New("registry: record not found")
	ErrInvalidRecord = errors.New("registry: invalid record")
)

// Registry resolves scanned identifiers to catalog records.
type Registry interface {
	// Lookup is an exact match on the primary scan code.
	Lookup(ctx context.Context, identifier string) (contracts.CatalogRecord, error)
	// Search matches display name or batch number, case-insensitively.
	Search(ctx context.Context, text string) ([]contracts.CatalogRecord, error)
	// Register issues a record and returns it with its assigned revision.
	Register(ctx context.Context, rec contracts.CatalogRecord) (contracts.CatalogRecord, error)
}

func validate(rec contracts.CatalogRecord) error {
	switch {
	case rec.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	case !rec.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRecord, rec.Category)
	case !rec.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, rec.Status)
	case rec.ExpiryDate.IsZero():
		return fmt.Errorf("%w: missing expiry date", ErrInvalidRecord)
	}
	return nil
}

// Matches reports whether text occurs in any of fields under Unicode case folding.
// An empty text matches everything.
func Matches(text string, fields ...string) bool {
	if text == "" {
		return true
	}
	folder := cases.Fold()
	needle := folder.String(text)
	for _, f := range fields {
		if strings.Contains(folder.String(f), needle) {
			return true
		}
	}
	return false
}

// InMemoryRegistry is a thread-safe in-memory implementation.
type InMemoryRegistry struct {
	mu        sync.RWMutex
	revisions map[string][]contracts.CatalogRecord
	clock     func() time.Time
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		revisions: make(map[string][]contracts.CatalogRecord),
		clock:     time.Now,
	}
}

// WithClock overrides the issuance clock.
func (r *InMemoryRegistry) WithClock(clock func() time.Time) *InMemoryRegistry {
	r.clock = clock
	return r
}

func (r *InMemoryRegistry) Register(_ context.Context, rec contracts.CatalogRecord) (contracts.CatalogRecord, error) {
	if err := validate(rec); err != nil {
		return contracts.CatalogRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	history := r.revisions[rec.ID]
	rec.Revision = uint64(len(history)) + 1
	rec.ExpiryDate = contracts.Date(rec.ExpiryDate)
	if rec.IssuedAt.IsZero() {
		rec.IssuedAt = r.clock().UTC()
	}
	r.revisions[rec.ID] = append(history, rec)
	return rec, nil
}

func (r *InMemoryRegistry) Lookup(_ context.Context, identifier string) (contracts.CatalogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history := r.revisions[identifier]
	if len(history) == 0 {
		return contracts.CatalogRecord{}, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	return history[len(history)-1], nil
}

func (r *InMemoryRegistry) Search(_ context.Context, text string) ([]contracts.CatalogRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []contracts.CatalogRecord
	for _, history := range r.revisions {
		latest := history[len(history)-1]
		if Matches(text, latest.DisplayName, latest.BatchNumber) {
			out = append(out, latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Revisions returns every issued revision of identifier, oldest first.
func (r *InMemoryRegistry) Revisions(identifier string) []contracts.CatalogRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]contracts.CatalogRecord(nil), r.revisions[identifier]...)
}
