package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/medsecure/pkg/audit"
	"github.com/Mindburn-Labs/medsecure/pkg/ledger"
	"github.com/Mindburn-Labs/medsecure/pkg/session"
)

const maxBodyBytes = 8 << 20

// Sessions is the part of the session controller the API drives.
type Sessions interface {
	StartSession(ctx context.Context, req session.Request) (string, error)
	GetSessionResult(ctx context.Context, sessionID string) (session.Result, error)
}

type Options struct {
	JWTSecret      string
	RateLimitRPS   float64
	RateLimitBurst int
	Version        string
}

type Server struct {
	sessions  Sessions
	audit     *audit.Service
	ledger    ledger.Ledger
	identity  *IdentityResolver
	validator *requestValidator
	limiter   *RateLimiter
	logger    *slog.Logger
	version   string
}

func NewServer(sessions Sessions, auditSvc *audit.Service, l ledger.Ledger, opts Options) (*Server, error) {
	v, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	s := &Server{
		sessions:  sessions,
		audit:     auditSvc,
		ledger:    l,
		identity:  NewIdentityResolver(opts.JWTSecret),
		validator: v,
		logger:    slog.Default().With("component", "api"),
		version:   opts.Version,
	}
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = NewRateLimiter(opts.RateLimitRPS, burst)
	}
	return s, nil
}

// Limiter is nil when rate limiting is disabled.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /v1/ledger", s.handleListLedger)
	mux.HandleFunc("GET /v1/ledger/stats", s.handleLedgerStats)
	mux.HandleFunc("GET /v1/ledger/verify", s.handleLedgerVerify)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = AccessLog(s.logger)(h)
	return RequestID(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	verifier, err := s.identity.Resolve(r)
	if err != nil {
		WriteUnauthorized(w, r, err.Error())
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		WriteBadRequest(w, r, "unable to read request body")
		return
	}
	if len(raw) > maxBodyBytes {
		WriteError(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", "request body exceeds 8 MiB")
		return
	}
	body, err := s.validator.decodeStartSession(raw)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}

	var image []byte
	if body.ImageBase64 != "" {
		image, err = base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			WriteBadRequest(w, r, "image_base64 is not valid base64")
			return
		}
	}

	callerID := body.CallerID
	if callerID == "" {
		callerID = verifier
	}
	id, err := s.sessions.StartSession(r.Context(), session.Request{
		Identifier:       body.Identifier,
		ManualEntry:      body.ManualEntry,
		VerifierIdentity: verifier,
		CallerID:         callerID,
		Image:            image,
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidInput) {
			WriteBadRequest(w, r, err.Error())
			return
		}
		WriteInternal(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.GetSessionResult(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			WriteNotFound(w, r, "unknown session")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcome, err := audit.ParseOutcomeFilter(q.Get("outcome"))
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	entries, err := s.audit.ListLedgerRecords(r.Context(), audit.Filter{Outcome: outcome, SearchText: q.Get("q")})
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": entries, "count": len(entries)})
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.audit.Stats(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.ledger.Verify(r.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrChainBroken) {
			writeJSON(w, http.StatusConflict, map[string]any{"valid": false, "error": err.Error()})
			return
		}
		WriteInternal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "result": res})
}
