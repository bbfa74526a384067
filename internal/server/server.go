package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"estatechain/internal/config"
	"estatechain/internal/escrow"
	"estatechain/internal/hmacauth"
	"estatechain/internal/idempotency"
	"estatechain/internal/loader"
	"estatechain/internal/logging"
	"estatechain/internal/metadata"
	"estatechain/internal/wallet"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	requestIDHeader   = "X-Request-Id"
	idempotencyHeader = "X-Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
)

// Deps are the components the API serves. Metadata and Chain are optional.
type Deps struct {
	Loader   *loader.Loader
	Wallet   *wallet.Wallet
	Store    idempotency.Store
	Metadata metadata.Fetcher
	Chain    escrow.HealthChecker
	Logger   *zap.Logger
}

type Server struct {
	cfg        *config.AppConfig
	loader     *loader.Loader
	wallet     *wallet.Wallet
	store      idempotency.Store
	metadata   metadata.Fetcher
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *metricsRegistry
	logger     *zap.Logger
	inflight   sync.Map

	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	metrics := newMetricsRegistry()
	logger := logging.OrNop(deps.Logger)

	s := &Server{
		cfg:      cfg,
		loader:   deps.Loader,
		wallet:   deps.Wallet,
		store:    deps.Store,
		metadata: deps.Metadata,
		metrics:  metrics,
		logger:   logger,
	}
	s.hmac = &hmacauth.Verifier{
		Secret:  cfg.Service.HMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
		OnReject: func(r *http.Request, err error) {
			metrics.incHMACReject()
			logger.Warn("rejected unsigned request",
				zap.String("path", r.URL.Path),
				zap.String("requestId", r.Header.Get(requestIDHeader)),
				zap.Error(err))
		},
	}

	if checker, ok := deps.Store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if deps.Chain != nil {
		s.rpcHealthFn = deps.Chain.Ping
	}

	deps.Loader.OnLoad(func(err error) {
		metrics.observeLoad(err)
		if err == nil {
			if session, cerr := deps.Loader.Current(); cerr == nil {
				metrics.setAssets(len(session.Assets))
			}
		}
	})

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.accessLogMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.Handle("/session/account",
		s.hmac.Middleware(http.HandlerFunc(s.handleSelectAccount))).Methods(http.MethodPut)
	api.HandleFunc("/accounts", s.handleAccounts).Methods(http.MethodGet)
	api.HandleFunc("/assets", s.handleAssets).Methods(http.MethodGet)
	api.HandleFunc("/assets/{id:[0-9]+}", s.handleAsset).Methods(http.MethodGet)
	api.Handle("/assets/{id:[0-9]+}/actions/{action}",
		s.hmac.Middleware(http.HandlerFunc(s.handleAction))).Methods(http.MethodPost)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ObserveMetadataFetch counts one gateway fetch. It is installed as the
// metadata service's observer.
func (s *Server) ObserveMetadataFetch(err error) {
	s.metrics.observeUpstream(err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	sessionInfo := struct {
		Loaded     bool   `json:"loaded"`
		Diagnostic string `json:"diagnostic,omitempty"`
	}{Loaded: true}
	if _, err := s.loader.Current(); err != nil {
		sessionInfo.Loaded = false
		sessionInfo.Diagnostic = err.Error()
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string      `json:"status"`
		RPC      interface{} `json:"rpc"`
		Database interface{} `json:"database"`
		Session  interface{} `json:"session"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		Session:  sessionInfo,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

type errorResponse struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
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

func (s *Server) accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("requestId", r.Header.Get(requestIDHeader)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
