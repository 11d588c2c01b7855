package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"SynthLedger/internal/core"
	"SynthLedger/internal/ingestion"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/query"
)

// Server is the HTTP surface: command submission, read-model queries,
// oracle visibility, health, and metrics.
type Server struct {
	engine     *core.Engine
	queries    *query.Service
	prices     *oracle.Store
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	httpServer *http.Server
	log        zerolog.Logger
}

type Deps struct {
	Engine  *core.Engine
	Queries *query.Service
	Prices  *oracle.Store
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Log     zerolog.Logger
}

func New(addr string, deps Deps) *Server {
	s := &Server{
		engine:  deps.Engine,
		queries: deps.Queries,
		prices:  deps.Prices,
		health:  deps.Health,
		metrics: deps.Metrics,
		log:     deps.Log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/commands/{type}", s.handleCommand)

		r.Get("/positions", s.handleListPositions)
		r.Get("/positions/{sponsor}", s.handleGetPosition)
		r.Get("/positions/{sponsor}/liquidations", s.handleGetLiquidations)
		r.Get("/liquidations", s.handleListLiquidations)
		r.Get("/fees", s.handleGetFeeState)
		r.Get("/gcr", s.handleGetGCR)
		r.Get("/events", s.handleGetEvents)
		r.Get("/oracle/pending", s.handleOraclePending)

		r.Get("/admin/integrity", s.handleVerifyIntegrity)
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- command submission ---

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmdType := chi.URLParam(r, "type")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	cmd, err := ingestion.ParseCommand("synthledger.cmd."+cmdType, body)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CommandParseError.WithLabelValues("http").Inc()
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.metrics != nil {
		s.metrics.CommandsReceived.WithLabelValues("http", cmd.CommandType().String()).Inc()
	}

	if err := s.engine.ProcessCommand(cmd); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": cmd.RequestID().String(),
		"sequence":   s.engine.Sequence(),
	})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrPositionNotFound),
		errors.Is(err, core.ErrLiquidationNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, core.ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientCollateralization),
		errors.Is(err, core.ErrPendingWithdrawal),
		errors.Is(err, core.ErrNoPendingWithdrawal),
		errors.Is(err, core.ErrWithdrawalLivenessActive),
		errors.Is(err, core.ErrLiquidationDeadlineExceeded),
		errors.Is(err, core.ErrLiquidationPriceOutOfBounds),
		errors.Is(err, core.ErrLiquidationNotSettleable),
		errors.Is(err, core.ErrContractExpired),
		errors.Is(err, core.ErrContractNotExpired),
		errors.Is(err, core.ErrAlreadyWithdrawn),
		errors.Is(err, core.ErrPositionExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// --- queries ---

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	after := r.URL.Query().Get("after")

	positions, err := s.queries.ListPositions(r.Context(), limit, after)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	sponsor := chi.URLParam(r, "sponsor")

	pos, err := s.queries.GetPosition(r.Context(), sponsor)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		s.writeError(w, http.StatusNotFound, "no position for sponsor "+sponsor)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleGetLiquidations(w http.ResponseWriter, r *http.Request) {
	sponsor := chi.URLParam(r, "sponsor")

	liqs, err := s.queries.GetLiquidations(r.Context(), sponsor)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": liqs})
}

func (s *Server) handleListLiquidations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 100)

	liqs, err := s.queries.ListLiquidations(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": liqs})
}

func (s *Server) handleGetFeeState(w http.ResponseWriter, r *http.Request) {
	fees, err := s.queries.GetFeeState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if fees == nil {
		// Read model not yet populated; fall back to the engine.
		view, err := s.engine.GetFeeState()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, view)
		return
	}
	s.writeJSON(w, http.StatusOK, fees)
}

func (s *Server) handleGetGCR(w http.ResponseWriter, r *http.Request) {
	gcr, err := s.engine.GlobalCollateralizationRatio()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"global_collateralization_ratio": gcr.RawString(),
		"as_of_sequence":                 s.engine.Sequence(),
	})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	from := uint64(queryInt(r, "from", 0))
	limit := queryInt(r, "limit", 100)
	if limit > 1000 {
		limit = 1000
	}

	events, err := s.queries.GetEvents(r.Context(), from, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleOraclePending(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": s.prices.PendingRequests(),
	})
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("write response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
