package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// SeedFile is the YAML layout accepted by LoadSeed.
type SeedFile struct {
	Records []SeedRecord `yaml:"records"`
}

type SeedRecord struct {
	ID                string `yaml:"id"`
	DisplayName       string `yaml:"name"`
	BatchNumber       string `yaml:"batch"`
	Manufacturer      string `yaml:"manufacturer"`
	ExpiryDate        string `yaml:"expiry"` // YYYY-MM-DD
	Category          string `yaml:"category"`
	RequiresColdChain bool   `yaml:"cold_chain"`
	Status            string `yaml:"status"`
}

// LoadSeedFile registers every record of the YAML catalog at path.
func LoadSeedFile(ctx context.Context, reg Registry, path string) (int, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return 0, fmt.Errorf("registry: open seed: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadSeed(ctx, reg, f)
}

// LoadSeed registers every record read from r and returns the count.
func LoadSeed(ctx context.Context, reg Registry, r io.Reader) (int, error) {
	var seed SeedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("registry: decode seed: %w", err)
	}

	for i, s := range seed.Records {
		expiry, err := time.Parse(time.DateOnly, s.ExpiryDate)
		if err != nil {
			return i, fmt.Errorf("%w: record %q expiry: %v", ErrInvalidRecord, s.ID, err)
		}
		status := contracts.LifecycleStatus(s.Status)
		if status == "" {
			status = contracts.LifecycleActive
		}
		if _, err := reg.Register(ctx, contracts.CatalogRecord{
			ID:                s.ID,
			DisplayName:       s.DisplayName,
			BatchNumber:       s.BatchNumber,
			Manufacturer:      s.Manufacturer,
			ExpiryDate:        expiry,
			Category:          contracts.Category(s.Category),
			RequiresColdChain: s.RequiresColdChain,
			Status:            status,
		}); err != nil {
			return i, err
		}
	}
	return len(seed.Records), nil
}
