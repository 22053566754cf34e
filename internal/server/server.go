package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"revertprobe/internal/config"
	"revertprobe/internal/history"
	"revertprobe/internal/hmacauth"
	"revertprobe/internal/session"
	"revertprobe/internal/txflow"
	"revertprobe/internal/wallet"
)

// NodeChecker reports on the optional read node.
type NodeChecker interface {
	HasNode() bool
	Ping(ctx context.Context) error
}

// Deps are the components the API exposes.
type Deps struct {
	Registry   *wallet.Registry
	Sessions   *session.Manager
	Controller *txflow.Controller
	History    history.Store
	Node       NodeChecker
	Metrics    *Metrics
	Logger     log.Logger
}

type Server struct {
	cfg        *config.AppConfig
	registry   *wallet.Registry
	sessions   *session.Manager
	controller *txflow.Controller
	history    history.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	metrics    *Metrics
	logger     log.Logger

	// runCtx outlives requests; background operation runs hang off it.
	runCtx    context.Context
	cancelRun context.CancelFunc

	nodeHealthFn  func(context.Context) error
	storeHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Root()
	}
	logger = logger.New("component", "api")
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		registry:   deps.Registry,
		sessions:   deps.Sessions,
		controller: deps.Controller,
		history:    deps.History,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		metrics:   metrics,
		logger:    logger,
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	if checker, ok := deps.History.(interface{ Ping(context.Context) error }); ok {
		s.storeHealthFn = checker.Ping
	}
	if deps.Node != nil && deps.Node.HasNode() {
		s.nodeHealthFn = deps.Node.Ping
	}
	s.sessions.OnEstablish(func(context.Context, *session.Session) { metrics.setSessionActive(true) })
	s.sessions.OnTeardown(func(*session.Session, error) { metrics.setSessionActive(false) })

	signed := s.hmac.Middleware
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/providers", s.handleProviders)
	mux.HandleFunc("GET /api/v1/session", s.handleGetSession)
	mux.Handle("POST /api/v1/session", signed(http.HandlerFunc(s.handleConnect)))
	mux.Handle("DELETE /api/v1/session", signed(http.HandlerFunc(s.handleDisconnect)))
	mux.HandleFunc("GET /api/v1/operations", s.handleOperations)
	mux.Handle("POST /api/v1/operations/{name}", signed(http.HandlerFunc(s.handleExecute)))
	mux.HandleFunc("GET /api/v1/counter", s.handleCounter)
	mux.Handle("POST /api/v1/counter/refresh", signed(http.HandlerFunc(s.handleRefresh)))
	mux.HandleFunc("GET /api/v1/runs/{runId}", s.handleRun)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(s.accessLog(mux)),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// Handler exposes the routed API, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and abandons confirmation waits still in progress.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.cancelRun()
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("Served request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "elapsed", time.Since(start), "reqid", r.Header.Get("X-Request-Id"))
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
