// Package server exposes the reconciliation session API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bookout-recon/internal/apperr"
	"github.com/sells-group/bookout-recon/internal/model"
	"github.com/sells-group/bookout-recon/internal/monitoring"
	"github.com/sells-group/bookout-recon/internal/report"
	"github.com/sells-group/bookout-recon/internal/session"
)

// Sessions is the reconciliation API the server fronts.
type Sessions interface {
	Open(ctx context.Context, runID string) (*model.Session, error)
	Get(ctx context.Context, sessionID string) (*session.View, error)
	ToggleOverride(ctx context.Context, sessionID, code string) (*model.Override, error)
	Apply(ctx context.Context, sessionID string) (*session.ApplyResult, error)
	Comparison(ctx context.Context, runID string) (*session.Comparison, error)
	Restore(ctx context.Context, runID string) error
}

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server routes HTTP requests to a Sessions implementation.
type Server struct {
	sessions Sessions
	health   Pinger
	origins  []string
}

// New returns a Server. health may be nil.
func New(sessions Sessions, health Pinger, corsOrigins []string) *Server {
	return &Server{sessions: sessions, health: health, origins: corsOrigins}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", monitoring.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs/{runID}/sessions", s.handleOpen)
		r.Get("/runs/{runID}/comparison", s.handleComparison)
		r.Get("/runs/{runID}/comparison.xlsx", s.handleComparisonExport)
		r.Post("/runs/{runID}/restore", s.handleRestore)

		r.Get("/sessions/{sessionID}", s.handleGet)
		r.Post("/sessions/{sessionID}/overrides/{code}/toggle", s.handleToggle)
		r.Post("/sessions/{sessionID}/apply", s.handleApply)
	})
	return r
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("server: listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Open(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	o, err := s.sessions.ToggleOverride(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Apply(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleComparison(w http.ResponseWriter, r *http.Request) {
	cmp, err := s.sessions.Comparison(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleComparisonExport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	cmp, err := s.sessions.Comparison(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="comparison-`+runID+`.xlsx"`)
	if err := report.Write(w, cmp); err != nil {
		zap.L().Error("server: write comparison workbook", zap.String("run_id", runID), zap.Error(err))
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Restore(r.Context(), chi.URLParam(r, "runID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if kind == apperr.KindInternal {
		zap.L().Error("server: request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("server: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
