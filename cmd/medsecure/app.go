package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	_ "github.com/lib/pq" // Postgres Driver

	"github.com/Mindburn-Labs/medsecure/pkg/artifacts"
	"github.com/Mindburn-Labs/medsecure/pkg/audit"
	"github.com/Mindburn-Labs/medsecure/pkg/config"
	"github.com/Mindburn-Labs/medsecure/pkg/contracts"
	"github.com/Mindburn-Labs/medsecure/pkg/ledger"
	"github.com/Mindburn-Labs/medsecure/pkg/observability"
	"github.com/Mindburn-Labs/medsecure/pkg/registry"
	"github.com/Mindburn-Labs/medsecure/pkg/retry"
	"github.com/Mindburn-Labs/medsecure/pkg/session"
	"github.com/Mindburn-Labs/medsecure/pkg/telemetry"
	"github.com/Mindburn-Labs/medsecure/pkg/visual"
)

const defaultSeedPath = "deploy/catalog.yaml"

var errNoVisualAnalyzer = errors.New("no visual analyzer configured")

// app is the wired process: stores, collaborators and the session controller.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *sql.DB
	registry   registry.Registry
	ledger     ledger.Ledger
	profile    *telemetry.Profile
	source     telemetry.Source
	analyzer   visual.Analyzer
	replay     artifacts.Store
	obs        *observability.Provider
	controller *session.Controller
	audit      *audit.Service
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: slog.Default().With("component", "app")}
	ready := false
	defer func() {
		if !ready {
			a.close(context.Background())
		}
	}()

	var err error
	if cfg.LiteMode() {
		a.db, err = openLiteDB(cfg.DataDir)
	} else {
		a.db, err = openPostgres(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.db.Close)

	sqlRegistry := registry.NewSQLRegistry(a.db)
	if err := sqlRegistry.Init(ctx); err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	a.registry = sqlRegistry
	if err := a.seedCatalog(ctx); err != nil {
		return nil, err
	}

	sqlLedger := ledger.NewSQLLedger(a.db)
	if err := sqlLedger.Init(ctx); err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	if cfg.LedgerSigningSeed != "" {
		signer, err := ledger.NewSigner([]byte(cfg.LedgerSigningSeed), "medsecure")
		if err != nil {
			return nil, fmt.Errorf("init ledger signer: %w", err)
		}
		sqlLedger.WithSigner(signer)
		a.logger.InfoContext(ctx, "ledger signing enabled", "key_id", signer.KeyID())
	}
	a.ledger = sqlLedger

	a.profile = telemetry.DefaultProfile()
	if cfg.ThresholdProfile != "" {
		if a.profile, err = telemetry.LoadProfileFile(cfg.ThresholdProfile); err != nil {
			return nil, err
		}
		a.logger.InfoContext(ctx, "threshold profile loaded", "path", cfg.ThresholdProfile, "version", a.profile.Version)
	}

	if err := a.setupTelemetry(ctx); err != nil {
		return nil, err
	}
	if err := a.setupVisual(ctx); err != nil {
		return nil, err
	}

	a.replay, err = artifacts.NewStore(ctx, artifacts.Config{
		Type:       artifacts.StoreType(cfg.ArtifactStorageType),
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.ArtifactS3Bucket,
		S3Region:   cfg.ArtifactS3Region,
		S3Endpoint: cfg.ArtifactS3Endpoint,
		S3Prefix:   cfg.ArtifactS3Prefix,
		GCSBucket:  cfg.ArtifactGCSBucket,
		GCSPrefix:  cfg.ArtifactGCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("init replay store: %w", err)
	}
	if c, ok := a.replay.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	if a.obs, err = observability.New(ctx, obsCfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return a.obs.Shutdown(context.Background()) })

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.AnchorMaxAttempts
	policy.BaseMs = cfg.AnchorBaseBackoffMs
	a.controller, err = session.New(session.Deps{
		Registry:      a.registry,
		Telemetry:     a.source,
		Visual:        a.analyzer,
		Ledger:        a.ledger,
		Profile:       a.profile,
		Replay:        a.replay,
		Observability: a.obs,
	}, session.Config{
		TelemetryWindow: cfg.TelemetryWindow,
		GatherTimeout:   cfg.GatherTimeout,
		AnchorPolicy:    policy,
	})
	if err != nil {
		return nil, err
	}
	a.audit = audit.NewService(a.ledger, a.registry)
	ready = true
	return a, nil
}

// seedCatalog loads the YAML catalog into an empty registry.
func (a *app) seedCatalog(ctx context.Context) error {
	path := a.cfg.CatalogSeed
	if path == "" && a.cfg.LiteMode() {
		if _, err := os.Stat(defaultSeedPath); err == nil {
			path = defaultSeedPath
		}
	}
	if path == "" {
		return nil
	}
	existing, err := a.registry.Search(ctx, "")
	if err != nil {
		return fmt.Errorf("inspect registry: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	n, err := registry.LoadSeedFile(ctx, a.registry, path)
	if err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "catalog seeded", "path", path, "records", n)
	return nil
}

func (a *app) setupTelemetry(ctx context.Context) error {
	if a.cfg.RedisAddr != "" {
		rs := telemetry.NewRedisSource(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return fmt.Errorf("connect redis telemetry: %w", err)
		}
		a.closers = append(a.closers, rs.Close)
		a.source = rs
		a.logger.InfoContext(ctx, "telemetry: redis", "addr", a.cfg.RedisAddr)
		return nil
	}

	records, err := a.registry.Search(ctx, "")
	if err != nil {
		return fmt.Errorf("inspect registry: %w", err)
	}
	a.source = telemetry.NewSimulatedSource(simulatedBaselines(a.profile, records))
	a.logger.WarnContext(ctx, "telemetry: REDIS_ADDR not set, using simulated readings")
	return nil
}

// simulatedBaselines centres each unit's simulated readings in its band.
func simulatedBaselines(p *telemetry.Profile, records []contracts.CatalogRecord) map[string]float64 {
	out := make(map[string]float64, len(records))
	for _, rec := range records {
		band := p.BandFor(rec.Category, rec.RequiresColdChain)
		if band == nil || band.Min == nil || band.Max == nil {
			continue
		}
		out[rec.ID] = (*band.Min + *band.Max) / 2
	}
	return out
}

func (a *app) setupVisual(ctx context.Context) error {
	switch {
	case a.cfg.VisualWASMModule != "":
		wa, err := visual.NewWASMAnalyzerFromFile(ctx, a.cfg.VisualWASMModule, visual.DefaultLimits())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, wa.Close)
		a.analyzer = wa
		a.logger.InfoContext(ctx, "visual: wasm module", "path", a.cfg.VisualWASMModule)
	case a.cfg.LiteMode():
		a.analyzer = visual.NewStaticAnalyzer(visual.Pristine())
		a.logger.WarnContext(ctx, "visual: VISUAL_WASM_MODULE not set, lite mode reports pristine packaging")
	default:
		a.analyzer = visual.NewStaticAnalyzer(contracts.VisualInspectionResult{}).FailWith(errNoVisualAnalyzer)
		a.logger.WarnContext(ctx, "visual: VISUAL_WASM_MODULE not set, every verdict will be visual_unverifiable")
	}
	return nil
}

// close shuts the controller down and releases resources in reverse order.
func (a *app) close(ctx context.Context) {
	if a.controller != nil {
		if err := a.controller.Shutdown(ctx); err != nil {
			a.logger.WarnContext(ctx, "session shutdown incomplete", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WarnContext(ctx, "close failed", "error", err)
		}
	}
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("DB ping failed: %w", err)
	}
	slog.Default().InfoContext(ctx, "postgres: connected")
	return db, nil
}
