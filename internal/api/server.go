// Package api exposes the relayer over HTTP.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"market-relayer/internal/domain"
	"market-relayer/internal/idhash"
	"market-relayer/internal/observability"
	"market-relayer/internal/pipeline"
	"market-relayer/internal/progress"
	"market-relayer/internal/reconcile"
	"market-relayer/internal/storage"
	"market-relayer/internal/validation"
)

// RequestIDHeader carries the per-request id on every response.
const RequestIDHeader = "X-Request-ID"

type ctxKey struct{}

// Options wires a Server. Journal and Hub are optional.
type Options struct {
	Runner     *pipeline.Runner
	Reconciler *reconcile.Reconciler
	Markets    storage.MarketStore
	Journal    storage.StepStore
	Hub        *progress.Hub

	// Ready, when set, backs /health. A non-nil error reports 503.
	Ready func(ctx context.Context) error

	Logger *log.Logger
}

// Server handles the relayer's HTTP API.
type Server struct {
	opts Options
	log  *log.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Runner == nil || opts.Reconciler == nil || opts.Markets == nil {
		return nil, domain.ConfigurationError("api server requires a runner, a reconciler and a market store")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Server{opts: opts, log: opts.Logger}, nil
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", observability.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/markets", s.handleCreateMarket)
		api.Post("/markets/reconcile", s.handleReconcile)
		api.Get("/markets/{symbol}", s.handleGetMarket)
		api.Get("/pipelines/{id}/steps", s.handleGetSteps)
	})
	r.Get("/ws/pipelines/{id}", s.handleProgress)
	return r
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := "req_" + uuid.NewString()
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// instrument counts requests by route pattern and status code.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		observability.RecordHTTPRequest(route, code)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var body createMarketBody
	if err := readJSON(w, r, &body); err != nil {
		s.writeError(w, r, domain.AsError(err), nil)
		return
	}
	in, err := body.input()
	if err != nil {
		s.writeError(w, r, domain.AsError(err), nil)
		return
	}

	out := s.opts.Runner.Run(r.Context(), in)
	if out.Err != nil {
		s.writeError(w, r, out.Err, out)
		return
	}
	writeJSON(w, http.StatusOK, successResponse(out))
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var body reconcileBody
	if err := readJSON(w, r, &body); err != nil {
		s.writeError(w, r, domain.AsError(err), nil)
		return
	}
	in, err := body.input()
	if err != nil {
		s.writeError(w, r, domain.AsError(err), nil)
		return
	}
	req, err := validation.ValidateRepair(in)
	if err != nil {
		s.writeError(w, r, domain.AsError(err), nil)
		return
	}

	raw := strings.TrimSpace(body.TransactionHash)
	if !strings.HasPrefix(raw, "0x") || len(common.FromHex(raw)) != common.HashLength {
		s.writeError(w, r, domain.ValidationError("transactionHash", "must be a 0x-prefixed 32-byte hash"), nil)
		return
	}

	out, err := s.opts.Reconciler.Repair(r.Context(), req, common.HexToHash(raw))
	if err != nil {
		s.writeError(w, r, domain.AsError(err), out)
		return
	}
	writeJSON(w, http.StatusOK, successResponse(out))
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	rec, err := s.opts.Markets.GetBySymbol(r.Context(), symbol)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeNotFound(w, r, "market "+symbol+" not found")
		return
	}
	if err != nil {
		s.writeError(w, r, &domain.Error{Kind: domain.KindPersistence, Msg: "read market", Err: err}, nil)
		return
	}
	writeJSON(w, http.StatusOK, newMarketView(rec))
}

func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !idhash.ValidPipelineID(id) {
		s.writeError(w, r, domain.ValidationError("pipelineId", "invalid pipeline id"), nil)
		return
	}
	if s.opts.Journal == nil {
		s.writeNotFound(w, r, "step journal disabled")
		return
	}

	steps, err := s.opts.Journal.GetByPipeline(r.Context(), id)
	if err != nil {
		s.writeError(w, r, &domain.Error{Kind: domain.KindPersistence, Msg: "read step journal", Err: err}, nil)
		return
	}
	if len(steps) == 0 {
		s.writeNotFound(w, r, "pipeline "+id+" not found")
		return
	}

	views := make([]stepView, len(steps))
	for i, st := range steps {
		views[i] = stepView{
			Seq:       st.Seq,
			Step:      st.Name,
			Status:    string(st.Status),
			Timestamp: st.TimestampMs,
			Data:      st.Payload,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelineId": id, "steps": views})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !idhash.ValidPipelineID(id) {
		s.writeError(w, r, domain.ValidationError("pipelineId", "invalid pipeline id"), nil)
		return
	}
	if s.opts.Hub == nil {
		s.writeNotFound(w, r, "progress streaming disabled")
		return
	}
	s.opts.Hub.ServeChannel(w, r, progress.Channel(id))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err *domain.Error, out *domain.Outcome) {
	resp := newErrorResponse(err, out)
	resp.RequestID = requestIDFrom(r.Context())

	status := err.Kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		s.log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) writeNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"error":     msg,
		"requestId": requestIDFrom(r.Context()),
	})
}
