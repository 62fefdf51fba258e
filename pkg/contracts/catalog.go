// Package contracts defines the shared data model of the verification engine.
//
// Every enumeration is a closed string type with a Valid method so that
// collaborator results are checked at the boundary instead of flowing through
// the decision path as loose strings.
package contracts

import "time"

// Category classifies a catalog record for threshold band selection.
type Category string

const (
	CategoryVaccine    Category = "vaccine"
	CategoryInsulin    Category = "insulin"
	CategoryAntibiotic Category = "antibiotic"
	CategoryPainkiller Category = "painkiller"
	CategoryVitamin    Category = "vitamin"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryVaccine, CategoryInsulin, CategoryAntibiotic, CategoryPainkiller, CategoryVitamin:
		return true
	}
	return false
}

// LifecycleStatus is the registry-side lifecycle of a unit.
type LifecycleStatus string

const (
	LifecycleActive   LifecycleStatus = "active"
	LifecycleRecalled LifecycleStatus = "recalled"
	LifecycleExpired  LifecycleStatus = "expired"
)

// Valid reports whether s is a known lifecycle status.
func (s LifecycleStatus) Valid() bool {
	switch s {
	case LifecycleActive, LifecycleRecalled, LifecycleExpired:
		return true
	}
	return false
}

// CatalogRecord is an immutable registry entry for a pharmaceutical unit.
// A reissue produces a new record with the same ID and a higher Revision.
type CatalogRecord struct {
	ID                string          `json:"id"` // primary scan code
	DisplayName       string          `json:"display_name"`
	BatchNumber       string          `json:"batch_number"`
	Manufacturer      string          `json:"manufacturer"`
	ExpiryDate        time.Time       `json:"expiry_date"` // calendar date, UTC midnight
	Category          Category        `json:"category"`
	RequiresColdChain bool            `json:"requires_cold_chain"`
	Status            LifecycleStatus `json:"status"`
	Revision          uint64          `json:"revision"`
	IssuedAt          time.Time       `json:"issued_at"`
}

// Date truncates t to a UTC calendar date.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
