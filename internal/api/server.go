// Package api exposes the forecast engine over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/openfluke/nowcast/dgmr"
	"github.com/openfluke/nowcast/internal/config"
	"github.com/openfluke/nowcast/internal/inference"
	"github.com/openfluke/nowcast/internal/logging"
	"github.com/openfluke/nowcast/internal/metrics"
	"github.com/openfluke/nowcast/internal/store"
	"github.com/openfluke/nowcast/nn"
)

// ModelStore is the part of the registry the API reads.
type ModelStore interface {
	List(ctx context.Context) ([]store.Metadata, error)
	Get(ctx context.Context, id string) (*dgmr.Generator, error)
}

// Server serves health, metrics and the v1 forecast API.
type Server struct {
	httpServer *http.Server
	engine     *inference.Engine
	store      ModelStore
	metrics    *metrics.Metrics
	cfg        config.ServerConfig
	validate   *validator.Validate
}

// NewServer wires the router. models may be nil, which disables the model
// registry routes.
func NewServer(cfg config.ServerConfig, engine *inference.Engine, models ModelStore, m *metrics.Metrics) *Server {
	s := &Server{
		engine:   engine,
		store:    models,
		metrics:  m,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimitRequests > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitRequests, s.cfg.RateLimitWindow))
		}
		r.Get("/model", s.handleModel)
		r.Post("/forecast", s.handleForecast)
		if s.store != nil {
			r.Get("/models", s.handleListModels)
			r.Post("/models/{id}/activate", s.handleActivate)
		}
	})
	return r
}

// ListenAndServe starts the listener; it returns http.ErrServerClosed after Shutdown.
func (s *Server) ListenAndServe() error {
	logging.Info().Str("addr", s.httpServer.Addr).Msg("http server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown drains connections within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the router, for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = logging.GenerateRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.engine.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  inference.ErrNoModel.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type modelResponse struct {
	ID          string               `json:"id"`
	Config      dgmr.GeneratorConfig `json:"config"`
	Parameters  int                  `json:"parameters"`
	OutputShape []int                `json:"output_shape"`
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	id, gen, err := s.engine.Model()
	if err != nil {
		writeError(w, err)
		return
	}
	shape, err := gen.OutputShape(1)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{
		ID:          id,
		Config:      gen.Config(),
		Parameters:  gen.Params().Count(),
		OutputShape: shape,
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []store.Metadata{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	gen, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.engine.SetModel(id, gen)
	writeJSON(w, http.StatusOK, map[string]string{"status": "active", "id": id})
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var body inference.ForecastRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	req, err := body.Request()
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.engine.Forecast(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res.Response())
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, inference.ErrInvalidRequest), errors.Is(err, dgmr.ErrInvalidConfig),
		errors.Is(err, nn.ErrShape):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, inference.ErrNonFiniteOutput):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, inference.ErrNoModel):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		logging.Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // headers are already sent
}
