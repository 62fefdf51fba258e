// Package audit is the read side of the ledger: filtered listings joined with
// catalog data, and summary statistics.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
	"github.com/Mindburn-Labs/medsecure/pkg/ledger"
	"github.com/Mindburn-Labs/medsecure/pkg/registry"
)

// OutcomeFilter selects records by verdict outcome.
type OutcomeFilter string

const (
	FilterAll    OutcomeFilter = "all"
	FilterSafe   OutcomeFilter = "safe"
	FilterUnsafe OutcomeFilter = "unsafe"
)

var ErrInvalidFilter = errors.New("audit: invalid filter")

// ParseOutcomeFilter accepts "", all, safe and unsafe (case-insensitive).
func ParseOutcomeFilter(s string) (OutcomeFilter, error) {
	switch f := OutcomeFilter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, nil
	case FilterAll, FilterSafe, FilterUnsafe:
		return f, nil
	default:
		return "", fmt.Errorf("%w: outcome %q", ErrInvalidFilter, s)
	}
}

type Filter struct {
	Outcome OutcomeFilter
	// SearchText matches display name, batch number or record fingerprint,
	// case-insensitively.
	SearchText string
}

// Entry is one ledger record with the catalog data it refers to. Catalog is
// nil when the unit is no longer in the registry.
type Entry struct {
	Record  contracts.LedgerRecord   `json:"record"`
	Catalog *contracts.CatalogRecord `json:"catalog,omitempty"`
}

// Stats summarises the ledger.
type Stats struct {
	Total      int                         `json:"total"`
	Safe       int                         `json:"safe"`
	Unsafe     int                         `json:"unsafe"`
	ByCategory map[contracts.Category]int  `json:"by_category"`
	ByIssue    map[contracts.IssueCode]int `json:"by_issue"`
}

type Service struct {
	ledger   ledger.Ledger
	registry registry.Registry
	logger   *slog.Logger
}

func NewService(l ledger.Ledger, r registry.Registry) *Service {
	return &Service{
		ledger:   l,
		registry: r,
		logger:   slog.Default().With("component", "audit"),
	}
}

// ListLedgerRecords returns matching records, newest first.
func (s *Service) ListLedgerRecords(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Outcome == "" {
		f.Outcome = FilterAll
	}
	if _, err := ParseOutcomeFilter(string(f.Outcome)); err != nil {
		return nil, err
	}
	entries, err := s.entries(ctx)
	if err != nil {
		return nil, err
	}

	search := strings.TrimSpace(f.SearchText)
	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if f.Outcome != FilterAll && string(e.Record.Verdict.Outcome) != string(f.Outcome) {
			continue
		}
		if search != "" && !matches(e, search) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Stats aggregates every record. Correction records count like any other.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	entries, err := s.entries(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{
		ByCategory: make(map[contracts.Category]int),
		ByIssue:    make(map[contracts.IssueCode]int),
	}
	for _, e := range entries {
		st.Total++
		if e.Record.Verdict.Safe() {
			st.Safe++
		} else {
			st.Unsafe++
		}
		if e.Catalog != nil {
			st.ByCategory[e.Catalog.Category]++
		}
		for _, issue := range e.Record.Verdict.Issues {
			st.ByIssue[issue]++
		}
	}
	return st, nil
}

func (s *Service) entries(ctx context.Context) ([]Entry, error) {
	records, err := s.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}

	catalog := make(map[string]*contracts.CatalogRecord)
	out := make([]Entry, len(records))
	for i, rec := range records {
		unit := rec.Verdict.UnitID
		cat, seen := catalog[unit]
		if !seen {
			found, err := s.registry.Lookup(ctx, unit)
			switch {
			case err == nil:
				cat = &found
			case errors.Is(err, registry.ErrNotFound):
				s.logger.DebugContext(ctx, "ledger record references unknown unit", "unit_id", unit)
			default:
				return nil, fmt.Errorf("lookup %s: %w", unit, err)
			}
			catalog[unit] = cat
		}
		out[i] = Entry{Record: rec, Catalog: cat}
	}
	return out, nil
}

func matches(e Entry, search string) bool {
	fields := []string{e.Record.Fingerprint}
	if e.Catalog != nil {
		fields = append(fields, e.Catalog.DisplayName, e.Catalog.BatchNumber)
	}
	return registry.Matches(search, fields...)
}
