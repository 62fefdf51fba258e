// Package visual defines the visual inspection boundary: an analyzer takes a
// captured package image and reports seal, packaging and label condition.
package visual

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

var ErrUnavailable = errors.New("visual: analysis unavailable")

// Request identifies the unit under inspection. Image may be empty when the
// analyzer captures its own input.
type Request struct {
	SessionID string
	UnitID    string
	Image     []byte
}

// Analyzer performs one visual inspection per session.
type Analyzer interface {
	AnalyzeVisual(ctx context.Context, req Request) (contracts.VisualInspectionResult, error)
}

// validated rejects out-of-enumeration results.
func validated(res contracts.VisualInspectionResult) (contracts.VisualInspectionResult, error) {
	if !res.Valid() {
		return contracts.VisualInspectionResult{}, fmt.Errorf("%w: unrecognised result %+v", ErrUnavailable, res)
	}
	return res, nil
}

// StaticAnalyzer returns a configured result, optionally per unit.
type StaticAnalyzer struct {
	mu      sync.RWMutex
	result  contracts.VisualInspectionResult
	perUnit map[string]contracts.VisualInspectionResult
	err     error
	delay   time.Duration
}

// NewStaticAnalyzer returns an analyzer reporting res for every unit.
func NewStaticAnalyzer(res contracts.VisualInspectionResult) *StaticAnalyzer {
	return &StaticAnalyzer{result: res, perUnit: make(map[string]contracts.VisualInspectionResult)}
}

// Pristine is a good seal, excellent packaging and a clear label.
func Pristine() contracts.VisualInspectionResult {
	return contracts.VisualInspectionResult{
		Seal:      contracts.SealGood,
		Packaging: contracts.PackagingExcellent,
		Label:     contracts.LabelClear,
	}
}

func (a *StaticAnalyzer) SetFor(unitID string, res contracts.VisualInspectionResult) *StaticAnalyzer {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.perUnit[unitID] = res
	return a
}

func (a *StaticAnalyzer) FailWith(err error) *StaticAnalyzer {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	return a
}

func (a *StaticAnalyzer) Delay(d time.Duration) *StaticAnalyzer {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
	return a
}

func (a *StaticAnalyzer) AnalyzeVisual(ctx context.Context, req Request) (contracts.VisualInspectionResult, error) {
	a.mu.RLock()
	res, ok := a.perUnit[req.UnitID]
	if !ok {
		res = a.result
	}
	failure, delay := a.err, a.delay
	a.mu.RUnlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return contracts.VisualInspectionResult{}, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}
	if failure != nil {
		return contracts.VisualInspectionResult{}, fmt.Errorf("%w: %v", ErrUnavailable, failure)
	}
	return validated(res)
}
