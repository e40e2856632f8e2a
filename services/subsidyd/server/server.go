// Package server exposes the subsidyd HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agrisubsidy/observability"
	"agrisubsidy/services/subsidyd/actor"
	"agrisubsidy/services/subsidyd/auth"
	"agrisubsidy/services/subsidyd/evidence"
	subsidymw "agrisubsidy/services/subsidyd/middleware"
	"agrisubsidy/services/subsidyd/models"
	"agrisubsidy/services/subsidyd/recon"
	"agrisubsidy/services/subsidyd/store"
)

// EventQuery is the read side of the event indexer.
type EventQuery interface {
	EventsByTx(ctx context.Context, txHash string) ([]models.IndexedEvent, error)
	Events(ctx context.Context, f store.EventFilter) ([]models.IndexedEvent, error)
	ClaimByDigest(ctx context.Context, digest string) (models.IndexedEvent, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Store       *store.Store
	Coordinator *recon.Coordinator
	Auditor     *recon.Auditor
	Events      EventQuery
	Vault       *evidence.Vault
	Stream      http.Handler
	Verifier    *auth.Verifier
	RateLimiter *subsidymw.RateLimiter
	Logger      *slog.Logger
	// MaxUploadBytes bounds multipart request bodies.
	MaxUploadBytes int64
	// SweepStaleAfter is the age an intent needs before an operator sweep
	// picks it up.
	SweepStaleAfter time.Duration
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	store       *store.Store
	coordinator *recon.Coordinator
	auditor     *recon.Auditor
	events      EventQuery
	vault       *evidence.Vault
	stream      http.Handler
	verifier    *auth.Verifier
	limiter     *subsidymw.RateLimiter
	logger      *slog.Logger
	maxUpload   int64
	staleAfter  time.Duration

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Coordinator == nil {
		return nil, errors.New("server: store and coordinator are required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	srv := &Server{
		store:       cfg.Store,
		coordinator: cfg.Coordinator,
		auditor:     cfg.Auditor,
		events:      cfg.Events,
		vault:       cfg.Vault,
		stream:      cfg.Stream,
		verifier:    cfg.Verifier,
		limiter:     cfg.RateLimiter,
		logger:      cfg.Logger,
		maxUpload:   cfg.MaxUploadBytes,
		staleAfter:  cfg.SweepStaleAfter,
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	if srv.maxUpload <= 0 {
		srv.maxUpload = 10 << 20
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router wrapped for tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "subsidyd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(protected chi.Router) {
		protected.Use(s.verifier.Authenticate)
		protected.Use(s.limiter.Middleware("api"))
		protected.Use(func(next http.Handler) http.Handler { return subsidymw.WithIdempotency(s.store.DB(), next) })

		protected.Route("/api/v1", func(api chi.Router) {
			api.With(auth.RequireCapability(actor.CapProgramCreate)).Post("/programs", s.createProgram)
			api.With(auth.RequireCapability(actor.CapProgramRead)).Get("/programs", s.listPrograms)
			api.With(auth.RequireCapability(actor.CapProgramRead)).Get("/programs/{id}", s.getProgram)
			api.With(auth.RequireCapability(actor.CapProgramActivate)).Post("/programs/{id}/activate", s.activateProgram)
			api.With(auth.RequireCapability(actor.CapClaimSubmit)).Post("/programs/{id}/claims", s.submitClaim)

			api.With(auth.RequireCapability(actor.CapClaimRead)).Get("/claims", s.listClaims)
			api.With(auth.RequireCapability(actor.CapClaimRead)).Get("/claims/{id}", s.getClaim)
			api.With(auth.RequireCapability(actor.CapClaimRead)).Get("/claims/{id}/verify", s.verifyClaim)
			api.With(auth.RequireCapability(actor.CapEvidenceWrite)).Post("/claims/{id}/evidence", s.uploadEvidence)
			api.With(auth.RequireCapability(actor.CapClaimRead)).Get("/claims/{id}/evidence", s.downloadEvidence)
			api.With(auth.RequireCapability(actor.CapClaimReview)).Post("/claims/{id}/approve", s.transitionClaim(models.ClaimApproved))
			api.With(auth.RequireCapability(actor.CapClaimReview)).Post("/claims/{id}/reject", s.transitionClaim(models.ClaimRejected))
			api.With(auth.RequireCapability(actor.CapClaimDisburse)).Post("/claims/{id}/disburse", s.transitionClaim(models.ClaimDisbursed))

			if s.stream != nil {
				api.Handle("/stream", s.stream)
			}
		})

		protected.Route("/ops", func(ops chi.Router) {
			ops.With(auth.RequireCapability(actor.CapOpsReconcile)).Get("/intents", s.listIntents)
			ops.With(auth.RequireCapability(actor.CapOpsReconcile)).Get("/intents/{id}", s.getIntent)
			ops.With(auth.RequireCapability(actor.CapOpsReconcile)).Post("/intents/{id}/resync", s.resyncIntent)
			ops.With(auth.RequireCapability(actor.CapOpsReconcile)).Post("/sweep", s.sweep)
			ops.With(auth.RequireCapability(actor.CapOpsAudit)).Post("/audit", s.runAudit)
			ops.With(auth.RequireCapability(actor.CapOpsAudit)).Get("/events", s.listEvents)
		})
	})
	return r
}

// observe records request metrics and an access log line.
func (s *Server) observe(next http.Handler) http.Handler {
	metrics := observability.HTTP()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.Observe(route, r.Method, status, elapsed)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", elapsed),
			slog.String("request_id", chimw.GetReqID(r.Context())))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &badRequest{msg: "invalid payload"}
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	return parseUUID(chi.URLParam(r, name), name)
}

func parseUUID(raw, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &badRequest{msg: "invalid " + name}
	}
	return id, nil
}

func mustActor(r *http.Request) actor.Actor {
	a, _ := actor.FromContext(r.Context())
	return a
}

func pagination(r *http.Request) (int, int) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
