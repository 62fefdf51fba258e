package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
	"github.com/Mindburn-Labs/medsecure/pkg/telemetry"
)

var now = time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func pristine() *contracts.VisualInspectionResult {
	return &contracts.VisualInspectionResult{Seal: contracts.SealGood, Packaging: contracts.PackagingExcellent, Label: contracts.LabelClear}
}

func vaccine() contracts.CatalogRecord {
	return contracts.CatalogRecord{
		ID:                "1234567890123",
		DisplayName:       "Pfizer COVID-19 Vaccine",
		ExpiryDate:        date(2025, 6, 15),
		Category:          contracts.CategoryVaccine,
		RequiresColdChain: true,
		Status:            contracts.LifecycleActive,
	}
}

func TestAggregate_SafeVaccine(t *testing.T) {
	rollup := &telemetry.Rollup{Readings: 24, Optimal: 24}
	v := Aggregate(vaccine(), rollup, pristine(), now)

	assert.Equal(t, contracts.OutcomeSafe, v.Outcome)
	assert.Empty(t, v.Issues)
	assert.NotNil(t, v.Issues, "issues serialize as an empty list")
	assert.Equal(t, "1234567890123", v.UnitID)
	assert.Equal(t, now, v.DecidedAt)
	assert.Equal(t, 24, v.Evidence.Telemetry.Readings)
}

func TestAggregate_ExpiredAntibiotic(t *testing.T) {
	amox := contracts.CatalogRecord{
		ID:         "3456789012345",
		ExpiryDate: date(2024, 12, 10),
		Category:   contracts.CategoryAntibiotic,
		Status:     contracts.LifecycleExpired,
	}
	v := Aggregate(amox, nil, pristine(), now)

	assert.Equal(t, contracts.OutcomeUnsafe, v.Outcome)
	assert.Equal(t, []contracts.IssueCode{contracts.IssueExpired}, v.Issues)
}

func TestAggregate_CompromisedColdChainAndDamagedSeal(t *testing.T) {
	rollup := &telemetry.Rollup{Readings: 24, Optimal: 23, Critical: 1, Compromised: true}
	visual := &contracts.VisualInspectionResult{Seal: contracts.SealDamaged, Packaging: contracts.PackagingGood, Label: contracts.LabelClear}
	v := Aggregate(vaccine(), rollup, visual, now)

	assert.Equal(t, contracts.OutcomeUnsafe, v.Outcome)
	assert.Equal(t, []contracts.IssueCode{contracts.IssueColdChainCompromised, contracts.IssueSealDamaged}, v.Issues)
}

func TestAggregate_ExpiredAndRecalledOrder(t *testing.T) {
	rec := vaccine()
	rec.ExpiryDate = date(2024, 1, 1)
	rec.Status = contracts.LifecycleRecalled
	v := Aggregate(rec, &telemetry.Rollup{}, pristine(), now)

	assert.Equal(t, []contracts.IssueCode{contracts.IssueExpired, contracts.IssueRecalled}, v.Issues)
}

func TestAggregate_ExpiryIsDateGranular(t *testing.T) {
	rec := vaccine()
	rec.ExpiryDate = date(2025, 1, 15)
	v := Aggregate(rec, &telemetry.Rollup{}, pristine(), now)
	assert.Contains(t, v.Issues, contracts.IssueExpired, "expiring today counts as expired")

	rec.ExpiryDate = date(2025, 1, 16)
	v = Aggregate(rec, &telemetry.Rollup{}, pristine(), now)
	assert.NotContains(t, v.Issues, contracts.IssueExpired)

	late := time.Date(2025, 1, 15, 23, 59, 59, 0, time.UTC)
	v = Aggregate(rec, &telemetry.Rollup{}, pristine(), late)
	assert.NotContains(t, v.Issues, contracts.IssueExpired, "time of day does not matter")
}

func TestAggregate_UnavailableTelemetryFailsClosed(t *testing.T) {
	v := Aggregate(vaccine(), nil, pristine(), now)
	assert.Equal(t, contracts.OutcomeUnsafe, v.Outcome)
	assert.Equal(t, []contracts.IssueCode{contracts.IssueColdChainUnverifiable}, v.Issues)
}

func TestAggregate_TelemetryIgnoredWithoutColdChain(t *testing.T) {
	rec := vaccine()
	rec.RequiresColdChain = false
	v := Aggregate(rec, &telemetry.Rollup{Compromised: true}, pristine(), now)
	assert.True(t, v.Safe())
}

func TestAggregate_UnavailableVisualFailsClosed(t *testing.T) {
	v := Aggregate(vaccine(), &telemetry.Rollup{}, nil, now)
	assert.Equal(t, []contracts.IssueCode{contracts.IssueVisualUnverifiable}, v.Issues)
	assert.Nil(t, v.Evidence.Visual)
}

func TestAggregate_AllIssuesAccumulate(t *testing.T) {
	rec := vaccine()
	rec.ExpiryDate = date(2020, 1, 1)
	rec.Status = contracts.LifecycleRecalled
	visual := &contracts.VisualInspectionResult{Seal: contracts.SealTampered, Packaging: contracts.PackagingPoor, Label: contracts.LabelUnreadable}
	v := Aggregate(rec, &telemetry.Rollup{Compromised: true}, visual, now)

	assert.Equal(t, []contracts.IssueCode{
		contracts.IssueExpired,
		contracts.IssueRecalled,
		contracts.IssueColdChainCompromised,
		contracts.IssueSealDamaged,
		contracts.IssuePackagingPoor,
	}, v.Issues)
}

func TestAggregate_LabelIsAdvisory(t *testing.T) {
	for _, label := range []contracts.LabelReadability{contracts.LabelFaded, contracts.LabelUnreadable} {
		visual := pristine()
		visual.Label = label
		v := Aggregate(vaccine(), &telemetry.Rollup{}, visual, now)
		assert.True(t, v.Safe(), "label %s", label)
		assert.Equal(t, label, v.Evidence.Visual.Label)
	}
}

func TestAggregate_EvidenceIsCopied(t *testing.T) {
	rollup := &telemetry.Rollup{Readings: 3}
	visual := pristine()
	v := Aggregate(vaccine(), rollup, visual, now)

	rollup.Readings = 99
	visual.Seal = contracts.SealTampered
	assert.Equal(t, 3, v.Evidence.Telemetry.Readings)
	assert.Equal(t, contracts.SealGood, v.Evidence.Visual.Seal)
}
