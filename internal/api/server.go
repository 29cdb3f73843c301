package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"net/url"

	"github.com/go-chi/chi/v5"

	"site-audit-coordinator/internal/config"
	"site-audit-coordinator/internal/coordinator"
	"site-audit-coordinator/internal/models"
	"site-audit-coordinator/internal/ratelimit"
	"site-audit-coordinator/internal/store"
	"site-audit-coordinator/internal/telemetry"
)

// Ticker runs one coordinator pass.
type Ticker interface {
	Tick(ctx context.Context) (coordinator.Result, error)
}

// Server wires the HTTP surface: the scheduler-facing tick endpoint and the
// submission/read endpoints standing in for the checkout flow.
type Server struct {
	cfg     config.Config
	store   store.Store
	ticker  Ticker
	limiter *ratelimit.Limiter
}

// New constructs the API server. limiter may be nil (no throttling).
func New(cfg config.Config, st store.Store, ticker Ticker, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		ticker:  ticker,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tick", s.handleTick)
	r.Post("/audits", s.handleSubmit)
	r.Get("/audits/{id}", s.handleGetAudit)
	r.Get("/jobs/{id}", s.handleGetJob)
	return r
}

// handleTick is the scheduler entry point. The tick itself always answers
// 200 when it ran, regardless of how the underlying audit fared; only a
// store-level failure is a tick failure.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TickSecret != "" {
		given := r.Header.Get("X-Tick-Secret")
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.cfg.TickSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if !s.allow(r.Context(), "tick") {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	result, err := s.ticker.Tick(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type submitRequest struct {
	Email     string `json:"email"`
	TargetURL string `json:"target_url"`
}

type submitResponse struct {
	Audit models.Audit `json:"audit"`
	Job   models.Job   `json:"job"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		http.Error(w, "invalid email", http.StatusBadRequest)
		return
	}
	u, err := url.Parse(req.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		http.Error(w, "invalid target_url", http.StatusBadRequest)
		return
	}
	if !s.allow(r.Context(), "submit:"+req.Email) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	audit, err := s.store.CreateAudit(r.Context(), store.CreateAuditParams{
		CustomerEmail: req.Email,
		TargetURL:     req.TargetURL,
	})
	if err != nil {
		http.Error(w, "create audit failed", http.StatusInternalServerError)
		return
	}
	job, _, err := s.store.InsertJobIfAbsent(r.Context(), audit.ID)
	if err != nil {
		// The audit row survives; the orphan sweep will enqueue it later.
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Audit: audit, Job: job})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	audit, err := s.store.GetAudit(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "audit not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, audit)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) allow(ctx context.Context, key string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, err := s.limiter.Allow(ctx, key)
	if err != nil {
		// Redis being down must not stall audits; fail open.
		return true
	}
	return allowed
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
