package contracts

// SealIntegrity is the tamper-evidence state of the package seal.
type SealIntegrity string

const (
	SealGood     SealIntegrity = "good"
	SealDamaged  SealIntegrity = "damaged"
	SealTampered SealIntegrity = "tampered"
)

// PackagingQuality grades the outer packaging.
type PackagingQuality string

const (
	PackagingExcellent PackagingQuality = "excellent"
	PackagingGood      PackagingQuality = "good"
	PackagingPoor      PackagingQuality = "poor"
)

// LabelReadability grades the printed label. Advisory only.
type LabelReadability string

const (
	LabelClear      LabelReadability = "clear"
	LabelFaded      LabelReadability = "faded"
	LabelUnreadable LabelReadability = "unreadable"
)

// VisualInspectionResult is produced once per session by the external analyzer.
type VisualInspectionResult struct {
	Seal      SealIntegrity    `json:"seal_integrity"`
	Packaging PackagingQuality `json:"packaging_quality"`
	Label     LabelReadability `json:"label_readability"`
}

// Valid reports whether every field holds a known value.
func (v VisualInspectionResult) Valid() bool {
	switch v.Seal {
	case SealGood, SealDamaged, SealTampered:
	default:
		return false
	}
	switch v.Packaging {
	case PackagingExcellent, PackagingGood, PackagingPoor:
	default:
		return false
	}
	switch v.Label {
	case LabelClear, LabelFaded, LabelUnreadable:
	default:
		return false
	}
	return true
}
