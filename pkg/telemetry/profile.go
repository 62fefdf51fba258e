package telemetry

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// SupportedProfileVersions is the semver range of profile documents this build understands.
const SupportedProfileVersions = ">= 1.0.0, < 2.0.0"

const (
	BandUltraCold    = "ultra-cold"
	BandRefrigerated = "refrigerated"
	BandAmbient      = "ambient"
)

var ErrUnsupportedProfile = errors.New("telemetry: unsupported profile version")

// Profile maps catalog categories to threshold bands.
type Profile struct {
	Version    string                        `yaml:"version"`
	Bands      map[string]*Band              `yaml:"bands"`
	Categories map[contracts.Category]string `yaml:"categories"`
	// Fallback applies to units without a cold-chain requirement and to
	// cold-chain categories with no explicit mapping.
	Fallback string `yaml:"fallback"`
}

// DefaultProfile returns the built-in bands.
func DefaultProfile() *Profile {
	p := &Profile{
		Version: "1.0.0",
		Bands: map[string]*Band{
			BandUltraCold:    NumericBand(BandUltraCold, -80, -65, contracts.ReadingCritical),
			BandRefrigerated: NumericBand(BandRefrigerated, 2, 8, contracts.ReadingWarning),
			BandAmbient:      NumericBand(BandAmbient, -5, 35, contracts.ReadingWarning),
		},
		Categories: map[contracts.Category]string{
			contracts.CategoryVaccine: BandUltraCold,
			contracts.CategoryInsulin: BandRefrigerated,
		},
		Fallback: BandAmbient,
	}
	return p
}

// BandFor selects the band for a unit.
func (p *Profile) BandFor(category contracts.Category, requiresColdChain bool) *Band {
	if requiresColdChain {
		if name, ok := p.Categories[category]; ok {
			if b, ok := p.Bands[name]; ok {
				return b
			}
		}
	}
	return p.Bands[p.Fallback]
}

// BandNames lists configured bands in sorted order.
func (p *Profile) BandNames() []string {
	names := make([]string, 0, len(p.Bands))
	for n := range p.Bands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadProfileFile reads a YAML profile from disk.
func LoadProfileFile(path string) (*Profile, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to open profile: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadProfile(f)
}

// LoadProfile parses, version-gates and compiles a YAML profile.
func LoadProfile(r io.Reader) (*Profile, error) {
	var p Profile
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if err := p.checkVersion(); err != nil {
		return nil, err
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) checkVersion() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedProfile, p.Version, err)
	}
	c, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedProfile, v, SupportedProfileVersions)
	}
	return nil
}

func (p *Profile) compile() error {
	if len(p.Bands) == 0 {
		return fmt.Errorf("%w: profile defines no bands", ErrInvalidBand)
	}
	for name, b := range p.Bands {
		if b == nil {
			return fmt.Errorf("%w: %s: empty definition", ErrInvalidBand, name)
		}
		b.Name = name
		if err := b.compile(); err != nil {
			return err
		}
	}
	if p.Fallback == "" {
		p.Fallback = BandAmbient
	}
	if _, ok := p.Bands[p.Fallback]; !ok {
		return fmt.Errorf("%w: fallback band %q is not defined", ErrInvalidBand, p.Fallback)
	}
	for cat, name := range p.Categories {
		if !cat.Valid() {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidBand, cat)
		}
		if _, ok := p.Bands[name]; !ok {
			return fmt.Errorf("%w: category %s references undefined band %q", ErrInvalidBand, cat, name)
		}
	}
	return nil
}
