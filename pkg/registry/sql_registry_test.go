package registry

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

var columns = []string{"id", "revision", "display_name", "batch_number", "manufacturer", "expiry_date", "category", "requires_cold_chain", "status", "issued_at"}

func TestSQLRegistry_Register(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	issued := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	reg := NewSQLRegistry(db).WithClock(func() time.Time { return issued })
	rec := amoxicillin()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(revision\\), 0\\) FROM catalog_records").
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO catalog_records").
		WithArgs(rec.ID, int64(2), rec.DisplayName, rec.BatchNumber, rec.Manufacturer,
			contracts.Date(rec.ExpiryDate), "antibiotic", false, "expired", issued).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	got, err := reg.Register(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Revision)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRegistry_Lookup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	reg := NewSQLRegistry(db)
	expiry := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM catalog_records WHERE id = \\$1 ORDER BY revision DESC LIMIT 1").
		WithArgs("1234567890123").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"1234567890123", int64(3), "Pfizer COVID-19 Vaccine", "PF001-2024", "Pfizer Inc.",
			expiry, "vaccine", true, "active", issued))

	got, err := reg.Lookup(context.Background(), "1234567890123")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Revision)
	assert.Equal(t, contracts.CategoryVaccine, got.Category)
	assert.True(t, got.RequiresColdChain)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLRegistry_LookupNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT (.+) FROM catalog_records").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	_, err = NewSQLRegistry(db).Lookup(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLRegistry_Search(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	when := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM catalog_records c").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("1", int64(1), "Humalog Insulin", "HM234-2024", "Eli Lilly", when, "insulin", true, "active", when).
			AddRow("2", int64(1), "Ibuprofen 200mg", "IBU456-2024", "J&J", when, "painkiller", false, "active", when))

	got, err := NewSQLRegistry(db).Search(context.Background(), "hm234")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Humalog Insulin", got[0].DisplayName)
}
