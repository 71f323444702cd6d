package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/config"
	"github.com/ssd-technologies/termconsensus/internal/engine"
	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/mesh"
	"github.com/ssd-technologies/termconsensus/internal/metrics"
)

// Options configures a Server.
type Options struct {
	Config   *config.Config
	Engine   *engine.Engine
	Registry *mesh.Registry
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the validator's HTTP API.
type Server struct {
	cfg      *config.Config
	engine   *engine.Engine
	registry *mesh.Registry
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	secret   string
	log      *slog.Logger
	limiter  *rateLimiter
	mux      *http.ServeMux
}

// New creates a new Server with all routes registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      opts.Config,
		engine:   opts.Engine,
		registry: opts.Registry,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		secret:   opts.Config.Server.AdminSecret,
		log:      opts.Logger.With("component", "server"),
		limiter:  newRateLimiter(opts.Config.Server.RateLimit, opts.Config.Server.RateBurst),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.allow(getIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	s.handle("GET /api/health", s.handleHealth)

	// Submissions
	s.handle("POST /api/submissions", s.handleSubmit)
	s.handle("GET /api/submissions/{id}", s.handleGetSubmission)
	s.handle("GET /api/submissions/{id}/assignment", s.handleGetAssignment)
	s.handle("POST /api/submissions/{id}/evaluate", s.admin(s.handleEvaluate))
	s.handle("POST /api/evaluations", s.handleIngestEvaluation)

	// Reviews
	s.handle("POST /api/reviews", s.handleReview)
	s.handle("POST /api/reviews/decline", s.handleDecline)

	// Log consensus
	s.handle("POST /api/logs", s.handleProposeLog)
	s.handle("GET /api/logs/{id}", s.handleGetLog)

	// Epochs
	s.handle("POST /api/epochs/{epoch}/finalize", s.admin(s.handleFinalize))
	s.handle("GET /api/epochs/{epoch}/weights", s.handleWeights)
	s.handle("POST /api/epochs/advance", s.admin(s.handleAdvance))
	s.handle("GET /api/epochs/current", s.handleCurrentEpoch)

	// Validators
	s.handle("GET /api/validators", s.handleListValidators)
	s.handle("PUT /api/validators", s.admin(s.handlePutValidator))
	s.handle("DELETE /api/validators/{identity}", s.admin(s.handleDeleteValidator))

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.Handle("GET /ws/reviews", mesh.HandleReviewChannel(s.registry, s.engine, s.log))
}

// handle registers h under pattern and counts its responses.
func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			s.metrics.HTTPRequests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// admin wraps h with the X-Admin-Secret check. An empty secret disables the
// admin routes.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.secret == "" || r.Header.Get("X-Admin-Secret") != s.secret {
			writeError(w, http.StatusUnauthorized, "invalid admin secret")
			return
		}
		h(w, r)
	}
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"service":  "termconsensus",
		"identity": s.engine.Identity(),
		"epoch":    s.engine.Epoch(),
	})
}

// errorStatus maps engine and component errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownSubmission), errors.Is(err, engine.ErrNotAdmitted),
		errors.Is(err, engine.ErrNotFinalized), errors.Is(err, assignment.ErrUnknownSubmission),
		errors.Is(err, mesh.ErrUnknownValidator):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, assignment.ErrNotAssigned), errors.Is(err, engine.ErrNotValidator),
		errors.Is(err, engine.ErrNotEvaluator):
		return http.StatusForbidden
	case errors.Is(err, assignment.ErrDeadlinePassed), errors.Is(err, engine.ErrEpochClosed),
		errors.Is(err, engine.ErrFutureEpoch):
		return http.StatusConflict
	case errors.Is(err, logconsensus.ErrLogsTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, engine.ErrInvalidReview), errors.Is(err, engine.ErrInvalidEvaluation),
		errors.Is(err, logconsensus.ErrHashMismatch),
		errors.Is(err, logconsensus.ErrMissingFields):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeFailure writes err with its mapped status. Internal errors are logged
// and not echoed.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// decodeJSON decodes the request body into v, bounded by limit bytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
