package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/medsecure/pkg/artifacts"
	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
	"github.com/Mindburn-Labs/medsecure/pkg/ledger"
	"github.com/Mindburn-Labs/medsecure/pkg/registry"
	"github.com/Mindburn-Labs/medsecure/pkg/retry"
	"github.com/Mindburn-Labs/medsecure/pkg/telemetry"
	"github.com/Mindburn-Labs/medsecure/pkg/visual"
)

var now = time.Date(2025, 1, 15, 14, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func noSleep(context.Context, time.Duration) error { return nil }

func hourly(unit string, temps ...float64) []contracts.TelemetryReading {
	out := make([]contracts.TelemetryReading, len(temps))
	start := now.Add(-time.Duration(len(temps)) * time.Hour)
	for i, t := range temps {
		out[i] = contracts.TelemetryReading{
			UnitID:      unit,
			Temperature: t,
			Humidity:    45,
			CapturedAt:  start.Add(time.Duration(i+1) * time.Hour),
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type fixture struct {
	reg    *registry.InMemoryRegistry
	source *telemetry.StaticSource
	vis    *visual.StaticAnalyzer
	led    *ledger.MemoryLedger
	store  *artifacts.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewInMemoryRegistry()
	for _, rec := range []contracts.CatalogRecord{
		{
			ID: "1234567890123", DisplayName: "Pfizer COVID-19 Vaccine", BatchNumber: "PF2024001",
			Manufacturer: "Pfizer Inc.", ExpiryDate: date(2025, 6, 15), Category: contracts.CategoryVaccine,
			RequiresColdChain: true, Status: contracts.LifecycleActive,
		},
		{
			ID: "3456789012345", DisplayName: "Amoxicillin 500mg", BatchNumber: "AM2024003",
			Manufacturer: "GSK", ExpiryDate: date(2024, 12, 10), Category: contracts.CategoryAntibiotic,
			Status: contracts.LifecycleExpired,
		},
		{
			ID: "4567890123456", DisplayName: "Paracetamol 500mg", BatchNumber: "PC2024004",
			Manufacturer: "Johnson & Johnson", ExpiryDate: date(2026, 3, 20), Category: contracts.CategoryPainkiller,
			Status: contracts.LifecycleActive,
		},
	} {
		_, err := reg.Register(ctx, rec)
		require.NoError(t, err)
	}

	source := telemetry.NewStaticSource().
		Set("1234567890123", hourly("1234567890123", repeat(-70, 24)...)...)

	return &fixture{
		reg:    reg,
		source: source,
		vis:    visual.NewStaticAnalyzer(visual.Pristine()),
		led:    ledger.NewMemoryLedger(),
		store:  artifacts.NewMemoryStore(),
	}
}

func (f *fixture) controller(t *testing.T, l ledger.Ledger, cfg Config) *Controller {
	t.Helper()
	if l == nil {
		l = f.led
	}
	c, err := New(Deps{
		Registry:  f.reg,
		Telemetry: f.source,
		Visual:    f.vis,
		Ledger:    l,
		Replay:    f.store,
	}, cfg)
	require.NoError(t, err)
	c.WithClock(func() time.Time { return now }).WithSleeper(noSleep)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func run(t *testing.T, c *Controller, req Request) Result {
	t.Helper()
	if req.VerifierIdentity == "" {
		req.VerifierIdentity = "Dr. Sarah Johnson"
	}
	id, err := c.StartSession(context.Background(), req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx, id)
	require.NoError(t, err)
	return res
}

// flakyLedger fails the first n anchors with ErrWrite.
type flakyLedger struct {
	ledger.Ledger
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyLedger) Anchor(ctx context.Context, v contracts.VerificationVerdict, verifier, key string) (contracts.LedgerRecord, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return contracts.LedgerRecord{}, fmt.Errorf("%w: disk full", ledger.ErrWrite)
	}
	return f.Ledger.Anchor(ctx, v, verifier, key)
}

func TestController_SafeVaccine(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{})

	res := run(t, c, Request{Identifier: " 1234567890123 "})

	assert.Equal(t, StateComplete, res.State)
	assert.Empty(t, res.Cause)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, contracts.OutcomeSafe, res.Verdict.Outcome)
	assert.Empty(t, res.Verdict.Issues)
	assert.True(t, res.Anchored)
	require.NotNil(t, res.Record)
	assert.Equal(t, uint64(1), res.Record.Sequence)
	assert.Equal(t, ledger.Genesis, res.Record.PrevFingerprint)
	assert.Equal(t, "Dr. Sarah Johnson", res.Record.VerifierIdentity)
	assert.Len(t, res.Readings, 24)
	assert.Equal(t, "1234567890123", res.Identifier)
	assert.Equal(t, "Pfizer COVID-19 Vaccine", res.Catalog.DisplayName)
}

func TestController_ExpiredAntibiotic(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{})

	res := run(t, c, Request{ManualEntry: "3456789012345"})

	assert.Equal(t, StateComplete, res.State)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, contracts.OutcomeUnsafe, res.Verdict.Outcome)
	assert.Contains(t, res.Verdict.Issues, contracts.IssueExpired)
	assert.True(t, res.Anchored)
}

func TestController_CompromisedColdChainAndTamperedSeal(t *testing.T) {
	f := newFixture(t)
	temps := repeat(-70, 24)
	temps[10] = -50
	f.source.Set("1234567890123", hourly("1234567890123", temps...)...)
	f.vis.SetFor("1234567890123", contracts.VisualInspectionResult{
		Seal: contracts.SealTampered, Packaging: contracts.PackagingGood, Label: contracts.LabelClear,
	})
	c := f.controller(t, nil, Config{})

	res := run(t, c, Request{Identifier: "1234567890123"})

	require.NotNil(t, res.Verdict)
	assert.Equal(t, contracts.OutcomeUnsafe, res.Verdict.Outcome)
	assert.ElementsMatch(t, []contracts.IssueCode{contracts.IssueColdChainCompromised, contracts.IssueSealDamaged}, res.Verdict.Issues)
	assert.True(t, res.Verdict.Evidence.Telemetry.Compromised)
	assert.Equal(t, 1, res.Verdict.Evidence.Telemetry.Critical)
}

func TestController_NotFound(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{})

	res := run(t, c, Request{Identifier: "9999999999999"})

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, CauseNotFound, res.Cause)
	assert.Nil(t, res.Verdict)

	records, err := f.led.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records, "nothing anchored for unknown units")
}

type brokenRegistry struct{ registry.Registry }

func (brokenRegistry) Lookup(context.Context, string) (contracts.CatalogRecord, error) {
	return contracts.CatalogRecord{}, errors.New("connection refused")
}

func TestController_RegistryUnavailable(t *testing.T) {
	f := newFixture(t)
	c, err := New(Deps{Registry: brokenRegistry{}, Telemetry: f.source, Visual: f.vis, Ledger: f.led}, Config{})
	require.NoError(t, err)

	id, err := c.StartSession(context.Background(), Request{Identifier: "1234567890123", VerifierIdentity: "v"})
	require.NoError(t, err)
	res, err := c.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, CauseRegistryUnavailable, res.Cause)
}

func TestController_InvalidInput(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{})

	for name, req := range map[string]Request{
		"empty":       {VerifierIdentity: "v"},
		"whitespace":  {Identifier: "   ", ManualEntry: " ", VerifierIdentity: "v"},
		"bad chars":   {Identifier: "123 456", VerifierIdentity: "v"},
		"too long":    {Identifier: string(make([]byte, 65)), VerifierIdentity: "v"},
		"no verifier": {Identifier: "1234567890123"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := c.StartSession(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestController_TelemetryTimeoutDegradesToUnverifiable(t *testing.T) {
	f := newFixture(t)
	f.source.Delay(time.Second)
	c := f.controller(t, nil, Config{GatherTimeout: 20 * time.Millisecond})

	res := run(t, c, Request{Identifier: "1234567890123"})

	assert.Equal(t, StateComplete, res.State)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, contracts.OutcomeUnsafe, res.Verdict.Outcome)
	assert.Equal(t, []contracts.IssueCode{contracts.IssueColdChainUnverifiable}, res.Verdict.Issues)
	assert.NotEmpty(t, res.Notes)
}

// blockingSource never returns until released, whatever its context says.
type blockingSource struct{ release chan struct{} }

func (b blockingSource) FetchTelemetry(context.Context, string, telemetry.Window) ([]contracts.TelemetryReading, error) {
	<-b.release
	return nil, nil
}

// blockingAnalyzer likewise ignores its context.
type blockingAnalyzer struct{ release chan struct{} }

func (b blockingAnalyzer) AnalyzeVisual(context.Context, visual.Request) (contracts.VisualInspectionResult, error) {
	<-b.release
	return visual.Pristine(), nil
}

func TestController_GatherDeadlineBoundsUncooperativeCollaborators(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	c, err := New(Deps{
		Registry:  f.reg,
		Telemetry: blockingSource{release: release},
		Visual:    blockingAnalyzer{release: release},
		Ledger:    f.led,
	}, Config{GatherTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	c.WithClock(func() time.Time { return now }).WithSleeper(noSleep)

	id, err := c.StartSession(context.Background(), Request{Identifier: "1234567890123", VerifierIdentity: "Dr. Sarah Johnson"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := c.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StateComplete, res.State)
	require.NotNil(t, res.Verdict)
	assert.Equal(t, []contracts.IssueCode{
		contracts.IssueColdChainUnverifiable,
		contracts.IssueVisualUnverifiable,
	}, res.Verdict.Issues)
	assert.Len(t, res.Notes, 2)
	assert.Empty(t, res.Readings)

	shutdownCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, c.Shutdown(shutdownCtx))
}

func TestController_VisualUnavailable(t *testing.T) {
	f := newFixture(t)
	f.vis.FailWith(errors.New("camera offline"))
	c := f.controller(t, nil, Config{})

	res := run(t, c, Request{Identifier: "4567890123456"})

	require.NotNil(t, res.Verdict)
	assert.Equal(t, []contracts.IssueCode{contracts.IssueVisualUnverifiable}, res.Verdict.Issues)
	assert.Nil(t, res.Verdict.Evidence.Visual)
}

func TestController_LedgerRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyLedger{Ledger: f.led}
	flaky.failures.Store(2)
	c := f.controller(t, flaky, Config{})

	res := run(t, c, Request{Identifier: "4567890123456"})

	assert.Equal(t, StateComplete, res.State)
	assert.True(t, res.Anchored)
	assert.Equal(t, int32(3), flaky.calls.Load())

	records, err := f.led.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1, "exactly one record despite retries")
}

func TestController_LedgerExhaustedRetainsVerdict(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyLedger{Ledger: f.led}
	flaky.failures.Store(100)
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = 3
	c := f.controller(t, flaky, Config{AnchorPolicy: policy})

	res := run(t, c, Request{Identifier: "4567890123456"})

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, CauseLedgerUnavailable, res.Cause)
	assert.False(t, res.Anchored)
	require.NotNil(t, res.Verdict, "the decided verdict is still reported")
	assert.Equal(t, contracts.OutcomeSafe, res.Verdict.Outcome)
	assert.Equal(t, int32(3), flaky.calls.Load())

	pending, err := artifacts.LoadPending(context.Background(), f.store)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, res.SessionID, pending[0].SessionID)

	// Ledger recovers; replay anchors the retained verdict once.
	report, err := ReplayPending(context.Background(), f.store, f.led)
	require.NoError(t, err)
	assert.Equal(t, ReplayReport{Anchored: 1}, report)

	records, err := f.led.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, pending[0].IdempotencyKey, records[0].IdempotencyKey)

	left, err := artifacts.LoadPending(context.Background(), f.store)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestController_SupersessionCancelsPreviousSession(t *testing.T) {
	f := newFixture(t)
	f.source.Delay(2 * time.Second)
	c := f.controller(t, nil, Config{GatherTimeout: 10 * time.Second})

	first, err := c.StartSession(context.Background(), Request{Identifier: "1234567890123", VerifierIdentity: "v", CallerID: "scanner-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := c.GetSessionResult(context.Background(), first)
		return err == nil && r.State == StateGathering
	}, time.Second, 5*time.Millisecond)

	second, err := c.StartSession(context.Background(), Request{Identifier: "4567890123456", VerifierIdentity: "v", CallerID: "scanner-1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r1, err := c.Wait(ctx, first)
	require.NoError(t, err)
	r2, err := c.Wait(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, r1.State)
	assert.Equal(t, CauseCancelled, r1.Cause)
	assert.Nil(t, r1.Verdict)
	assert.Equal(t, StateComplete, r2.State)

	records, err := f.led.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1, "the superseded session never anchors")
	assert.Equal(t, "4567890123456", records[0].Verdict.UnitID)
}

func TestController_CallerContextDoesNotCancelSession(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	id, err := c.StartSession(ctx, Request{Identifier: "4567890123456", VerifierIdentity: "v"})
	require.NoError(t, err)
	cancel()

	res, err := c.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
}

func TestController_ConcurrentSessionsFormOneChain(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{})

	const n = 20
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.StartSession(context.Background(), Request{
				Identifier:       "4567890123456",
				VerifierIdentity: "v",
				CallerID:         fmt.Sprintf("caller-%d", i),
			})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		res, err := c.Wait(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StateComplete, res.State)
	}

	result, err := f.led.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(n), result.Records)
}

func TestController_GetSessionResultUnknown(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{})

	_, err := c.GetSessionResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = c.Wait(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestController_ResultsArePruned(t *testing.T) {
	f := newFixture(t)
	c := f.controller(t, nil, Config{ResultTTL: time.Minute})

	old := run(t, c, Request{Identifier: "4567890123456"})

	c.WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	run(t, c, Request{Identifier: "4567890123456"})

	_, err := c.GetSessionResult(context.Background(), old.SessionID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNormalizeIdentifier(t *testing.T) {
	id, err := NormalizeIdentifier(Request{Identifier: "  ", ManualEntry: " AM-2024.003 "})
	require.NoError(t, err)
	assert.Equal(t, "AM-2024.003", id)

	id, err = NormalizeIdentifier(Request{Identifier: "123", ManualEntry: "456"})
	require.NoError(t, err)
	assert.Equal(t, "123", id)
}
