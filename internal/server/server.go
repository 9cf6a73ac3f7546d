// Package server exposes the assistant's operations over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/bullwise/internal/market"
	"github.com/eddiefleurent/bullwise/internal/metrics"
	"github.com/eddiefleurent/bullwise/internal/notify"
	"github.com/eddiefleurent/bullwise/internal/orders"
	"github.com/eddiefleurent/bullwise/internal/storage"
)

// Orders places user-initiated orders.
type Orders interface {
	CreateBuyOrder(ctx context.Context, req orders.BuyRequest) (*orders.Receipt, error)
	CreateSellOrder(ctx context.Context, req orders.SellRequest) (*orders.Receipt, error)
}

// Collector runs one polling cycle on demand.
type Collector interface {
	Collect(ctx context.Context) (*market.Snapshot, error)
}

// Positions lists open positions for the UI.
type Positions interface {
	OpenPositions(ctx context.Context) ([]notify.PositionView, error)
}

// Config holds server settings.
type Config struct {
	Port           int
	AuthToken      string
	RequestTimeout time.Duration
}

// Deps are the handlers' collaborators. WebSocket may be nil to disable /ws.
type Deps struct {
	Orders    Orders
	Collector Collector
	Positions Positions
	WebSocket http.Handler
}

// Server is the HTTP surface.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	deps      Deps
	logger    logrus.FieldLogger
	port      int
	authToken string
	timeout   time.Duration
}

// NewServer builds the router. Orders, Collector and Positions are required.
func NewServer(cfg Config, deps Deps, logger logrus.FieldLogger) *Server {
	if deps.Orders == nil || deps.Collector == nil || deps.Positions == nil {
		panic("server.NewServer: orders, collector and positions are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "http")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		timeout:   timeout,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/heartbeat", s.handleHeartbeat)
	s.router.Handle("/metrics", metrics.Handler())
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Post("/collect-data", s.handleCollectData)
		r.Post("/create-buy-order", s.handleCreateBuyOrder)
		r.Post("/create-sell-order", s.handleCreateSellOrder)
		r.Post("/get-all-positions", s.handleGetAllPositions)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/heartbeat" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			// browsers cannot set headers on a websocket handshake
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting HTTP server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

func (s *Server) handleCollectData(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Collector.Collect(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCreateBuyOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.BuyRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	receipt, err := s.deps.Orders.CreateBuyOrder(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCreateSellOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.SellRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.PositionID <= 0 {
		s.fail(w, r, fmt.Errorf("%w: position_id is required", orders.ErrInvalidInput))
		return
	}
	receipt, err := s.deps.Orders.CreateSellOrder(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleGetAllPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.Positions.OpenPositions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if positions == nil {
		positions = []notify.PositionView{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := s.logger.WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Info("request rejected")
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrUpstream):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed request body: %w", orders.ErrInvalidInput, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
