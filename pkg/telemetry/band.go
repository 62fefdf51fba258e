package telemetry

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

var ErrInvalidBand = errors.New("telemetry: invalid band")

// Band is a threshold band. A reading outside [Min, Max] (bounds exclusive of
// breach) is assigned the Breach status; inside it is optimal.
//
// Alternatively Expr holds a CEL expression over `temperature` and `humidity`
// (both double) that evaluates to true when the reading is in breach.
type Band struct {
	Name   string                  `yaml:"-" json:"name"`
	Min    *float64                `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *float64                `yaml:"max,omitempty" json:"max,omitempty"`
	Breach contracts.ReadingStatus `yaml:"breach" json:"breach"`
	Expr   string                  `yaml:"expr,omitempty" json:"expr,omitempty"`

	program cel.Program
}

// NumericBand builds a compiled band without CEL.
func NumericBand(name string, minC, maxC float64, breach contracts.ReadingStatus) *Band {
	return &Band{Name: name, Min: &minC, Max: &maxC, Breach: breach}
}

// ExprBand builds and compiles a CEL-defined band.
func ExprBand(name, expr string, breach contracts.ReadingStatus) (*Band, error) {
	b := &Band{Name: name, Expr: expr, Breach: breach}
	if err := b.compile(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Band) compile() error {
	if b.Breach != contracts.ReadingWarning && b.Breach != contracts.ReadingCritical {
		return fmt.Errorf("%w: %s: breach must be warning or critical, got %q", ErrInvalidBand, b.Name, b.Breach)
	}
	if b.Expr == "" {
		if b.Min == nil && b.Max == nil {
			return fmt.Errorf("%w: %s: needs min/max or expr", ErrInvalidBand, b.Name)
		}
		if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
			return fmt.Errorf("%w: %s: min %.2f above max %.2f", ErrInvalidBand, b.Name, *b.Min, *b.Max)
		}
		return nil
	}

	env, err := cel.NewEnv(
		cel.Variable("temperature", cel.DoubleType),
		cel.Variable("humidity", cel.DoubleType),
	)
	if err != nil {
		return fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(b.Expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidBand, b.Name, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("%w: %s: expression must be boolean, got %v", ErrInvalidBand, b.Name, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidBand, b.Name, err)
	}
	b.program = prg
	return nil
}

// Status classifies a single reading. Readings are independent: there is no
// hysteresis between consecutive readings.
func (b *Band) Status(r contracts.TelemetryReading) (contracts.ReadingStatus, error) {
	breach, err := b.breached(r)
	if err != nil {
		return "", err
	}
	if breach {
		return b.Breach, nil
	}
	return contracts.ReadingOptimal, nil
}

func (b *Band) breached(r contracts.TelemetryReading) (bool, error) {
	if b.Expr == "" {
		if b.Min != nil && r.Temperature < *b.Min {
			return true, nil
		}
		if b.Max != nil && r.Temperature > *b.Max {
			return true, nil
		}
		return false, nil
	}
	if b.program == nil {
		return false, fmt.Errorf("%w: %s: expression not compiled", ErrInvalidBand, b.Name)
	}
	out, _, err := b.program.Eval(map[string]any{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
	})
	if err != nil {
		return false, fmt.Errorf("band %s: eval: %w", b.Name, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s: non-boolean result", ErrInvalidBand, b.Name)
	}
	return v, nil
}
