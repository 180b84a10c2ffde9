package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"BorrowEngine/internal/core"
	"BorrowEngine/internal/observability"
	"BorrowEngine/internal/query"
)

var log = observability.NewLogger("server")

// HTTPServer serves the read-only query API plus health and metrics probes.
// All state changes flow through the event stream; this surface never
// mutates the engine.
type HTTPServer struct {
	service *query.Service
	health  *observability.HealthChecker
	server  *http.Server
}

func NewHTTPServer(addr string, service *query.Service, health *observability.HealthChecker, gatherer prometheus.Gatherer) *HTTPServer {
	s := &HTTPServer{
		service: service,
		health:  health,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/pairs", s.handlePairs)
	mux.HandleFunc("GET /v1/pairs/{index}", s.handlePair)
	mux.HandleFunc("GET /v1/groups/{index}", s.handleGroup)
	mux.HandleFunc("GET /v1/fee", s.handleFee)
	mux.HandleFunc("GET /v1/liq-price", s.handleLiqPrice)
	mux.HandleFunc("GET /v1/initial-fees", s.handleInitialFees)
	mux.HandleFunc("GET /healthz", health.LivenessHandler)
	mux.HandleFunc("GET /readyz", health.ReadinessHandler)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the configured mux, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe blocks until the server stops.
func (s *HTTPServer) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handlePairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Pairs())
}

func (s *HTTPServer) handlePair(w http.ResponseWriter, r *http.Request) {
	index, err := parseUint32(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pair index")
		return
	}

	resp, err := s.service.Pair(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleGroup(w http.ResponseWriter, r *http.Request) {
	index, err := parseUint32(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid group index")
		return
	}

	resp, err := s.service.Group(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// tradeQuery holds the parameters shared by the fee and liq-price endpoints.
type tradeQuery struct {
	trader     uuid.UUID
	pairIndex  uint32
	tradeIndex uint32
	long       bool
	collateral uint64
	leverage   uint64
}

func parseTradeQuery(r *http.Request) (tradeQuery, error) {
	q := r.URL.Query()

	trader, err := uuid.Parse(q.Get("trader"))
	if err != nil {
		return tradeQuery{}, errors.New("invalid trader")
	}
	pairIndex, err := parseUint32(q.Get("pair_index"))
	if err != nil {
		return tradeQuery{}, errors.New("invalid pair_index")
	}
	tradeIndex, err := parseUint32(q.Get("trade_index"))
	if err != nil {
		return tradeQuery{}, errors.New("invalid trade_index")
	}
	long, err := strconv.ParseBool(q.Get("long"))
	if err != nil {
		return tradeQuery{}, errors.New("invalid long")
	}
	collateral, err := strconv.ParseUint(q.Get("collateral"), 10, 64)
	if err != nil {
		return tradeQuery{}, errors.New("invalid collateral")
	}
	leverage, err := strconv.ParseUint(q.Get("leverage"), 10, 64)
	if err != nil {
		return tradeQuery{}, errors.New("invalid leverage")
	}

	return tradeQuery{
		trader:     trader,
		pairIndex:  pairIndex,
		tradeIndex: tradeIndex,
		long:       long,
		collateral: collateral,
		leverage:   leverage,
	}, nil
}

func (s *HTTPServer) handleFee(w http.ResponseWriter, r *http.Request) {
	tq, err := parseTradeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.service.TradeFee(tq.trader, tq.pairIndex, tq.tradeIndex, tq.long, tq.collateral, tq.leverage)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleLiqPrice(w http.ResponseWriter, r *http.Request) {
	tq, err := parseTradeQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	openPrice, err := strconv.ParseUint(r.URL.Query().Get("open_price"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid open_price")
		return
	}

	resp, err := s.service.TradeLiqPrice(tq.trader, tq.pairIndex, tq.tradeIndex, tq.long, tq.collateral, tq.leverage, openPrice)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleInitialFees(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	trader, err := uuid.Parse(q.Get("trader"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trader")
		return
	}
	pairIndex, err := parseUint32(q.Get("pair_index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid pair_index")
		return
	}
	tradeIndex, err := parseUint32(q.Get("trade_index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid trade_index")
		return
	}

	resp, err := s.service.InitialFees(trader, pairIndex, tradeIndex)
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	return uint32(v), err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("encode response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, core.ErrInvalidParameter) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
