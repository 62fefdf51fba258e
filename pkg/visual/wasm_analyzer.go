package visual

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
)

// Limits bounds a single analysis run.
type Limits struct {
	MemoryLimitBytes uint64
	Timeout          time.Duration
}

// DefaultLimits allows 64 MB and 10 seconds per image.
func DefaultLimits() Limits {
	return Limits{MemoryLimitBytes: 64 * 1024 * 1024, Timeout: 10 * time.Second}
}

// WASMAnalyzer runs an analysis module inside a wazero WASI sandbox.
// Deny-by-default: no filesystem, no network, no environment.
//
// The module reads a JSON envelope on stdin:
//
//	{"session_id": "...", "unit_id": "...", "image": "<base64>"}
//
// and writes a VisualInspectionResult as JSON on stdout.
type WASMAnalyzer struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	config   wazero.ModuleConfig
	limits   Limits
}

// NewWASMAnalyzerFromFile loads and compiles the module at path.
func NewWASMAnalyzerFromFile(ctx context.Context, path string, limits Limits) (*WASMAnalyzer, error) {
	wasm, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("wasi: read module: %w", err)
	}
	return NewWASMAnalyzer(ctx, wasm, limits)
}

// NewWASMAnalyzer compiles wasm once; every analysis instantiates it fresh.
func NewWASMAnalyzer(ctx context.Context, wasm []byte, limits Limits) (*WASMAnalyzer, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if limits.MemoryLimitBytes > 0 {
		// wazero measures memory in pages (64KB each)
		pages := uint32(limits.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasm)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasi: compilation failed: %w", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName("visual-analyzer").
		WithStartFunctions("_start")

	return &WASMAnalyzer{
		runtime:  r,
		compiled: compiled,
		config:   modCfg,
		limits:   limits,
	}, nil
}

type envelope struct {
	SessionID string `json:"session_id"`
	UnitID    string `json:"unit_id"`
	Image     []byte `json:"image,omitempty"`
}

func (a *WASMAnalyzer) AnalyzeVisual(ctx context.Context, req Request) (contracts.VisualInspectionResult, error) {
	if a.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.limits.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(envelope(req))
	if err != nil {
		return contracts.VisualInspectionResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var stdout, stderr bytes.Buffer
	modCfg := a.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := a.runtime.InstantiateModule(ctx, a.compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return contracts.VisualInspectionResult{}, fmt.Errorf("%w: execution timed out: %v", ErrUnavailable, ctx.Err())
		}
		return contracts.VisualInspectionResult{}, fmt.Errorf("%w: instantiation failed: %v", ErrUnavailable, err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return contracts.VisualInspectionResult{}, fmt.Errorf("%w: stderr output: %s", ErrUnavailable, stderr.String())
	}
	return decodeResult(stdout.Bytes())
}

func decodeResult(out []byte) (contracts.VisualInspectionResult, error) {
	var res contracts.VisualInspectionResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &res); err != nil {
		return contracts.VisualInspectionResult{}, fmt.Errorf("%w: malformed output: %v", ErrUnavailable, err)
	}
	return validated(res)
}

// Close shuts down the wazero runtime, freeing all resources.
func (a *WASMAnalyzer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.runtime.Close(ctx)
}
