package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/medsecure/pkg/artifacts"
	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
	"github.com/Mindburn-Labs/medsecure/pkg/decision"
	"github.com/Mindburn-Labs/medsecure/pkg/ledger"
	"github.com/Mindburn-Labs/medsecure/pkg/observability"
	"github.com/Mindburn-Labs/medsecure/pkg/registry"
	"github.com/Mindburn-Labs/medsecure/pkg/retry"
	"github.com/Mindburn-Labs/medsecure/pkg/telemetry"
	"github.com/Mindburn-Labs/medsecure/pkg/visual"
)

// Deps are the collaborators a Controller orchestrates. Replay and
// Observability are optional.
type Deps struct {
	Registry      registry.Registry
	Telemetry     telemetry.Source
	Visual        visual.Analyzer
	Ledger        ledger.Ledger
	Profile       *telemetry.Profile
	Replay        artifacts.Store
	Observability *observability.Provider
}

type Config struct {
	TelemetryWindow time.Duration
	GatherTimeout   time.Duration
	AnchorPolicy    retry.Policy
	// ResultTTL bounds how long terminal sessions stay queryable.
	ResultTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		TelemetryWindow: 24 * time.Hour,
		GatherTimeout:   5 * time.Second,
		AnchorPolicy:    retry.DefaultPolicy(),
		ResultTTL:       time.Hour,
	}
}

type session struct {
	id         string
	callerID   string
	req        Request
	identifier string
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	// guarded by Controller.mu
	result Result
}

// Controller runs verification sessions. The session table is the only state
// shared across sessions; its mutex is never held across a collaborator call.
type Controller struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	obs    *observability.Provider
	clock  func() time.Time
	newID  func() string
	sleep  retry.Sleeper

	mu       sync.Mutex
	sessions map[string]*session
	byCaller map[string]string
	wg       sync.WaitGroup
}

// New creates a Controller. Registry, Telemetry, Visual and Ledger are required.
func New(deps Deps, cfg Config) (*Controller, error) {
	if deps.Registry == nil || deps.Telemetry == nil || deps.Visual == nil || deps.Ledger == nil {
		return nil, errors.New("session: registry, telemetry, visual and ledger are required")
	}
	if deps.Profile == nil {
		deps.Profile = telemetry.DefaultProfile()
	}
	obs := deps.Observability
	if obs == nil {
		obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	def := DefaultConfig()
	if cfg.TelemetryWindow <= 0 {
		cfg.TelemetryWindow = def.TelemetryWindow
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = def.GatherTimeout
	}
	if cfg.AnchorPolicy.MaxAttempts <= 0 {
		cfg.AnchorPolicy = def.AnchorPolicy
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	return &Controller{
		deps:     deps,
		cfg:      cfg,
		logger:   slog.Default().With("component", "session"),
		obs:      obs,
		clock:    time.Now,
		newID:    uuid.NewString,
		sessions: make(map[string]*session),
		byCaller: make(map[string]string),
	}, nil
}

// WithClock overrides clock for testing.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// WithSleeper overrides the anchoring backoff wait.
func (c *Controller) WithSleeper(s retry.Sleeper) *Controller {
	c.sleep = s
	return c
}

func (c *Controller) WithLogger(l *slog.Logger) *Controller {
	c.logger = l
	return c
}

// StartSession validates the request and runs the session asynchronously.
// The session outlives ctx; only a superseding session or Shutdown cancels it.
func (c *Controller) StartSession(ctx context.Context, req Request) (string, error) {
	id, err := NormalizeIdentifier(req)
	if err != nil {
		return "", err
	}
	if req.VerifierIdentity == "" {
		return "", errors.Join(ErrInvalidInput, errors.New("verifier identity is required"))
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		id:         c.newID(),
		callerID:   req.CallerID,
		req:        req,
		identifier: id,
		ctx:        sctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.result = Result{
		SessionID:  s.id,
		State:      StateIdle,
		Identifier: id,
		StartedAt:  c.clock().UTC(),
	}

	c.mu.Lock()
	c.pruneLocked()
	if req.CallerID != "" {
		if prevID, ok := c.byCaller[req.CallerID]; ok {
			if prev, ok := c.sessions[prevID]; ok && !prev.result.State.Terminal() {
				prev.cancel()
			}
		}
		c.byCaller[req.CallerID] = s.id
	}
	c.sessions[s.id] = s
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "session started", "session_id", s.id, "identifier", id, "caller_id", req.CallerID)

	go func() {
		defer c.wg.Done()
		c.run(s)
	}()
	return s.id, nil
}

// GetSessionResult returns the current view of a session.
func (c *Controller) GetSessionResult(_ context.Context, sessionID string) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return snapshot(s.result), nil
}

// Wait blocks until the session is terminal or ctx is done.
func (c *Controller) Wait(ctx context.Context, sessionID string) (Result, error) {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	select {
	case <-s.done:
		return c.GetSessionResult(ctx, sessionID)
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Shutdown cancels unfinished sessions and waits for their goroutines.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, s := range c.sessions {
		if !s.result.State.Terminal() {
			s.cancel()
		}
	}
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) pruneLocked() {
	cutoff := c.clock().Add(-c.cfg.ResultTTL)
	for id, s := range c.sessions {
		if s.result.State.Terminal() && s.result.FinishedAt.Before(cutoff) {
			delete(c.sessions, id)
			if c.byCaller[s.callerID] == id {
				delete(c.byCaller, s.callerID)
			}
		}
	}
}

func snapshot(r Result) Result {
	out := r
	if r.Catalog != nil {
		cat := *r.Catalog
		out.Catalog = &cat
	}
	if r.Verdict != nil {
		v := r.Verdict.Clone()
		out.Verdict = &v
	}
	if r.Record != nil {
		rec := r.Record.Clone()
		out.Record = &rec
	}
	out.Readings = append([]contracts.TelemetryReading(nil), r.Readings...)
	out.Notes = append([]string(nil), r.Notes...)
	return out
}

func (c *Controller) update(s *session, fn func(r *Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&s.result)
}

func (c *Controller) transition(s *session, to State) {
	c.update(s, func(r *Result) { r.State = to })
	c.logger.DebugContext(s.ctx, "session transition", "session_id", s.id, "state", to)
}

func (c *Controller) fail(s *session, cause Cause, err error) {
	c.update(s, func(r *Result) {
		r.State = StateFailed
		r.Cause = cause
		r.FinishedAt = c.clock().UTC()
	})
	c.logger.WarnContext(s.ctx, "session failed", "session_id", s.id, "cause", cause, "error", err)
}

func (c *Controller) note(s *session, msg string) {
	c.update(s, func(r *Result) { r.Notes = append(r.Notes, msg) })
}

// run drives one session to a terminal state.
func (c *Controller) run(s *session) {
	defer close(s.done)
	defer s.cancel()

	ctx, finish := c.obs.TrackOperation(s.ctx, "verification.session", attribute.String("identifier", s.identifier))
	var runErr error
	defer func() { finish(runErr) }()

	// LookingUp
	c.transition(s, StateLookingUp)
	rec, err := c.deps.Registry.Lookup(ctx, s.identifier)
	if ctx.Err() != nil {
		c.fail(s, CauseCancelled, ctx.Err())
		runErr = ctx.Err()
		return
	}
	if err != nil {
		runErr = err
		if errors.Is(err, registry.ErrNotFound) {
			c.fail(s, CauseNotFound, err)
		} else {
			c.fail(s, CauseRegistryUnavailable, err)
		}
		return
	}
	c.update(s, func(r *Result) { r.Catalog = &rec })

	// Gathering
	c.transition(s, StateGathering)
	ev := c.gather(ctx, s, rec)
	if ctx.Err() != nil {
		c.fail(s, CauseCancelled, ctx.Err())
		runErr = ctx.Err()
		return
	}

	// Aggregating
	c.transition(s, StateAggregating)
	verdict := decision.Aggregate(rec, ev.rollup, ev.visual, c.clock())
	if ctx.Err() != nil {
		c.fail(s, CauseCancelled, ctx.Err())
		runErr = ctx.Err()
		return
	}

	// Anchoring is not interruptible by supersession.
	c.transition(s, StateAnchoring)
	record, err := c.anchor(context.WithoutCancel(ctx), s, verdict)
	if err != nil {
		runErr = err
		c.retain(context.WithoutCancel(ctx), s, verdict, err)
		c.update(s, func(r *Result) {
			r.Verdict = &verdict
			r.Anchored = false
		})
		c.fail(s, CauseLedgerUnavailable, err)
		c.obs.RecordVerdict(ctx, string(verdict.Outcome), false)
		return
	}

	c.update(s, func(r *Result) {
		r.State = StateComplete
		r.Verdict = &verdict
		r.Record = &record
		r.Anchored = true
		r.FinishedAt = c.clock().UTC()
	})
	c.obs.RecordVerdict(ctx, string(verdict.Outcome), true)
	c.logger.InfoContext(ctx, "session complete",
		"session_id", s.id,
		"unit_id", verdict.UnitID,
		"outcome", verdict.Outcome,
		"issues", verdict.Issues,
		"sequence", record.Sequence,
	)
}

type evidence struct {
	rollup *telemetry.Rollup
	visual *contracts.VisualInspectionResult
}

type telemetryOutcome struct {
	classified telemetry.Classification
	err        error
}

type visualOutcome struct {
	result contracts.VisualInspectionResult
	err    error
}

// gather runs telemetry and visual analysis concurrently and joins them
// against a single GatherTimeout deadline. A failed or late signal degrades
// to unavailable and never fails the session. Late results land in buffered
// channels and are dropped.
func (c *Controller) gather(ctx context.Context, s *session, rec contracts.CatalogRecord) evidence {
	ctx, finish := c.obs.TrackOperation(ctx, "verification.gather")
	defer finish(nil)

	tctx, cancel := context.WithTimeout(ctx, c.cfg.GatherTimeout)
	defer cancel()

	telCh := make(chan telemetryOutcome, 1)
	visCh := make(chan visualOutcome, 1)

	go func() {
		window := telemetry.LastWindow(c.clock(), c.cfg.TelemetryWindow)
		readings, err := c.deps.Telemetry.FetchTelemetry(tctx, rec.ID, window)
		if err != nil {
			telCh <- telemetryOutcome{err: fmt.Errorf("telemetry unavailable: %w", err)}
			return
		}
		band := c.deps.Profile.BandFor(rec.Category, rec.RequiresColdChain)
		classified, err := telemetry.Classify(readings, band)
		if err != nil {
			telCh <- telemetryOutcome{err: fmt.Errorf("telemetry unusable: %w", err)}
			return
		}
		telCh <- telemetryOutcome{classified: classified}
	}()

	go func() {
		res, err := c.deps.Visual.AnalyzeVisual(tctx, visual.Request{
			SessionID: s.id,
			UnitID:    rec.ID,
			Image:     s.req.Image,
		})
		if err != nil {
			visCh <- visualOutcome{err: fmt.Errorf("visual inspection unavailable: %w", err)}
			return
		}
		visCh <- visualOutcome{result: res}
	}()

	var ev evidence
	telDone, visDone := false, false
	for !telDone || !visDone {
		select {
		case out := <-telCh:
			telDone = true
			if out.err != nil {
				c.note(s, out.err.Error())
				continue
			}
			rollup := out.classified.Rollup
			ev.rollup = &rollup
			c.update(s, func(r *Result) { r.Readings = out.classified.Readings })
		case out := <-visCh:
			visDone = true
			if out.err != nil {
				c.note(s, out.err.Error())
				continue
			}
			res := out.result
			ev.visual = &res
		case <-tctx.Done():
			if !telDone {
				c.note(s, "telemetry unavailable: "+tctx.Err().Error())
			}
			if !visDone {
				c.note(s, "visual inspection unavailable: "+tctx.Err().Error())
			}
			return ev
		}
	}
	return ev
}

func (c *Controller) anchor(ctx context.Context, s *session, verdict contracts.VerificationVerdict) (contracts.LedgerRecord, error) {
	ctx, finish := c.obs.TrackOperation(ctx, "verification.anchor")

	key, err := ledger.IdempotencyKey(verdict, s.id)
	if err != nil {
		finish(err)
		return contracts.LedgerRecord{}, err
	}

	runner := retry.NewRunner(c.cfg.AnchorPolicy, func(err error) bool { return errors.Is(err, ledger.ErrWrite) })
	if c.sleep != nil {
		runner.Sleep = c.sleep
	}
	runner.OnRetry = func(attempt int, delay time.Duration, lastErr error) {
		c.obs.RecordAnchorRetry(ctx)
		c.logger.WarnContext(ctx, "ledger anchor retry",
			"session_id", s.id, "attempt", attempt, "delay", delay, "error", lastErr)
	}

	var record contracts.LedgerRecord
	_, err = runner.Do(ctx, key, func(ctx context.Context, _ int) error {
		var aerr error
		record, aerr = c.deps.Ledger.Anchor(ctx, verdict, s.req.VerifierIdentity, key)
		return aerr
	})
	finish(err)
	return record, err
}

// retain keeps an unanchored verdict for later replay.
func (c *Controller) retain(ctx context.Context, s *session, verdict contracts.VerificationVerdict, cause error) {
	if c.deps.Replay == nil {
		c.note(s, "verdict not retained: no replay store configured")
		return
	}
	key, err := ledger.IdempotencyKey(verdict, s.id)
	if err == nil {
		err = artifacts.Retain(ctx, c.deps.Replay, artifacts.Pending{
			SessionID:        s.id,
			IdempotencyKey:   key,
			VerifierIdentity: s.req.VerifierIdentity,
			Verdict:          verdict,
			RetainedAt:       c.clock().UTC(),
			LastError:        cause.Error(),
		})
	}
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to retain verdict", "session_id", s.id, "error", err)
		c.note(s, "verdict retention failed: "+err.Error())
		return
	}
	c.note(s, "verdict retained for replay")
}
