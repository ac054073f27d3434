// Package server is the HTTP surface of cascade: the authenticated trigger
// endpoint that runs the pipeline, read access to the job run ledger, a
// websocket stream of run transitions and a health probe.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
	"github.com/teranos/cascade/pipeline"
	"github.com/teranos/cascade/pulse/async"
	"github.com/teranos/cascade/pulse/throttle"
)

// Runner executes one pipeline trigger
type Runner interface {
	Run(ctx context.Context, t pipeline.Trigger) (*pipeline.Response, error)
}

// Pinger reports database reachability (*sql.DB satisfies it)
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the components the server exposes. Throttle, DB and Workers
// are optional.
type Deps struct {
	Pipeline Runner
	Ledger   *ledger.Ledger
	Auth     Authorizer
	Throttle *throttle.Throttle
	DB       Pinger
	Workers  *async.WorkerPool
}

// Server serves the cascade HTTP API
type Server struct {
	pipeline Runner
	ledger   *ledger.Ledger
	auth     Authorizer
	throttle *throttle.Throttle
	db       Pinger
	workers  *async.WorkerPool

	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *zap.SugaredLogger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	clients   map[*streamClient]bool
	state     atomic.Int32
	startedAt time.Time
}

// New builds a server and its routes
func New(deps Deps) (*Server, error) {
	if deps.Pipeline == nil {
		return nil, errors.New("server requires a pipeline runner")
	}
	if deps.Ledger == nil {
		return nil, errors.New("server requires a job run ledger")
	}
	if deps.Auth == nil {
		return nil, errors.New("server requires an authorizer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		pipeline: deps.Pipeline,
		ledger:   deps.Ledger,
		auth:     deps.Auth,
		throttle: deps.Throttle,
		db:       deps.DB,
		workers:  deps.Workers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:    logger.ComponentLogger("server"),
		ctx:       ctx,
		cancel:    cancel,
		clients:   make(map[*streamClient]bool),
		startedAt: time.Now(),
	}
	s.router = s.setupRoutes()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", newState.String())
}

// clientCount returns the number of connected stream clients
func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
