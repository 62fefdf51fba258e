package main

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/medsecure/pkg/audit"
	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
	"github.com/Mindburn-Labs/medsecure/pkg/session"
	"github.com/Mindburn-Labs/medsecure/pkg/telemetry"
)

func liteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("VISUAL_WASM_MODULE", "")
	t.Setenv("THRESHOLD_PROFILE", "")
	t.Setenv("LEDGER_SIGNING_SEED", "0123456789abcdef0123456789abcdef")
	t.Setenv("ARTIFACT_STORAGE_TYPE", "fs")
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("CATALOG_SEED", filepath.Join("..", "..", "deploy", "catalog.yaml"))
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"medsecure"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Help(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "verify")
	assert.Contains(t, out, "replay")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: frobnicate")
}

func TestRun_DefaultsToServer(t *testing.T) {
	called := false
	orig := startServer
	startServer = func(io.Writer, io.Writer) int { called = true; return 0 }
	t.Cleanup(func() { startServer = orig })

	code, _, _ := run()
	assert.Equal(t, 0, code)
	assert.True(t, called)
}

func TestVerify_RequiresIdentifier(t *testing.T) {
	code, _, errOut := run("verify", "--verifier", "qa")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--id or --manual is required")
}

func TestVerify_LiteModeEndToEnd(t *testing.T) {
	liteEnv(t)

	code, out, errOut := run("verify", "--id", "3456789012345", "--verifier", "Dr. Sarah Johnson", "--json")
	require.Equal(t, 0, code, errOut)

	var res session.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, session.StateComplete, res.State)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, contracts.OutcomeUnsafe, res.Verdict.Outcome)
	assert.Contains(t, res.Verdict.Issues, contracts.IssueExpired)
	require.NotNil(t, res.Record)
	assert.NotEmpty(t, res.Record.Signature)

	code, out, _ = run("verify", "--manual", "9999999999999", "--verifier", "qa")
	assert.Equal(t, 3, code)
	assert.Contains(t, out, "not_found")

	code, out, errOut = run("ledger", "list", "--outcome", "unsafe", "--json")
	require.Equal(t, 0, code, errOut)
	var entries []audit.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Amoxicillin 500mg", entries[0].Catalog.DisplayName)

	code, out, errOut = run("ledger", "verify")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Ledger OK: 1 records (1 signed)")

	code, out, _ = run("replay")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "0 anchored")
}

func TestVerify_InvalidIdentifier(t *testing.T) {
	liteEnv(t)
	code, _, errOut := run("verify", "--id", "not a code", "--verifier", "qa")
	assert.Equal(t, 2, code)
	assert.True(t, strings.Contains(errOut, "invalid input"), errOut)
}

func TestLedger_Usage(t *testing.T) {
	code, _, errOut := run("ledger")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage")
}

func TestSimulatedBaselinesStayInBand(t *testing.T) {
	p := telemetry.DefaultProfile()
	records := []contracts.CatalogRecord{
		{ID: "v", Category: contracts.CategoryVaccine, RequiresColdChain: true},
		{ID: "i", Category: contracts.CategoryInsulin, RequiresColdChain: true},
		{ID: "p", Category: contracts.CategoryPainkiller},
	}
	got := simulatedBaselines(p, records)
	assert.InDelta(t, -72.5, got["v"], 1e-9)
	assert.InDelta(t, 5.0, got["i"], 1e-9)
	assert.InDelta(t, 15.0, got["p"], 1e-9)
}
