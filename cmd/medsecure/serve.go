package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/medsecure/pkg/api"
	"github.com/Mindburn-Labs/medsecure/pkg/config"
	"github.com/Mindburn-Labs/medsecure/pkg/session"
)

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(stderr, cfg.LogLevel, cfg.LogFormat)
	logger := slog.Default().With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.LiteMode() {
		_, _ = fmt.Fprintln(stdout, "DATABASE_URL not set. Falling back to Lite Mode (SQLite).")
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	// Verdicts retained by a previous run are anchored once the ledger is reachable.
	go func() {
		report, err := session.ReplayPending(ctx, a.replay, a.ledger)
		if err != nil {
			logger.WarnContext(ctx, "startup replay incomplete", "anchored", report.Anchored, "failed", report.Failed, "error", err)
			return
		}
		if report.Anchored > 0 {
			logger.InfoContext(ctx, "startup replay", "anchored", report.Anchored)
		}
	}()

	srv, err := api.NewServer(a.controller, a.audit, a.ledger, api.Options{
		JWTSecret:      cfg.JWTSecret,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		Version:        version,
	})
	if err != nil {
		logger.Error("api setup failed", "error", err)
		a.close(context.Background())
		return 1
	}
	if rl := srv.Limiter(); rl != nil {
		go rl.Cleanup(ctx, time.Minute)
	}
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-Verifier-Identity header")
	}

	apiServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	healthServer := &http.Server{
		Addr:              ":" + cfg.HealthPort,
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	servers := []*http.Server{apiServer, healthServer}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range servers {
		g.Go(func() error {
			logger.Info("listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", s.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		for _, s := range servers {
			_ = s.Shutdown(shutdownCtx)
		}
		return nil
	})

	code := 0
	if err := g.Wait(); err != nil {
		logger.Error("server failed", "error", err)
		code = 1
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.close(closeCtx)
	return code
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = "8081"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(out, "OK")
	return 0
}
