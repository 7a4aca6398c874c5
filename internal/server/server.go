package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/broadcast"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/config"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/dispatch"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/registry"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/session"
	"github.com/life-stream-dev/life-stream-go-push-server/internal/source"
	"golang.org/x/sync/errgroup"
)

// Server accepts client connections and the node router requests.
type Server struct {
	config     config.Config
	nodeID     string
	source     *source.Adapter
	registry   *registry.Registry
	broadcasts *broadcast.Coordinator
	dispatcher *dispatch.Dispatcher
	poller     *broadcast.Poller
	upgrader   websocket.Upgrader
	sem        chan struct{}

	limits           session.Limits
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	pollInterval     time.Duration
	writeTimeout     time.Duration
	detachTimeout    time.Duration
	inboxSize        int
	maxMessageSize   int64

	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	closing     bool
	connections sync.WaitGroup
	background  sync.WaitGroup
	connSeq     atomic.Uint64
}

func New(cfg config.Config, src *source.Adapter, sessions *registry.Registry, coordinator *broadcast.Coordinator) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	conn := cfg.Connection
	s := &Server{
		config:     cfg,
		nodeID:     fmt.Sprintf("http://%s:%d", cfg.App.Hostname, cfg.App.RouterPort),
		source:     src,
		registry:   sessions,
		broadcasts: coordinator,
		dispatcher: dispatch.New(src, coordinator, sessions, conn.MaxBatch),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.Duration(conn.HandshakeTimeout),
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		sem: make(chan struct{}, max(cfg.App.MaxConnections, 1)),
		limits: session.Limits{
			MaxBatch:           conn.MaxBatch,
			MinPingInterval:    config.Duration(conn.MinPingInterval),
			MaxStorageFailures: conn.MaxStorageFailures,
		},
		handshakeTimeout: config.Duration(conn.HandshakeTimeout),
		idleTimeout:      config.Duration(conn.IdleTimeout),
		pollInterval:     config.Duration(conn.PollInterval),
		writeTimeout:     config.Duration(conn.WriteTimeout),
		detachTimeout:    30 * time.Second,
		inboxSize:        max(conn.InboxSize, 1),
		maxMessageSize:   conn.MaxMessageSize,
		ctx:              ctx,
		cancel:           cancel,
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = s.idleTimeout
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 10 * time.Second
	}
	if interval := config.Duration(cfg.Broadcast.PollInterval); cfg.Broadcast.URL != "" && interval > 0 {
		s.poller = broadcast.NewPoller(cfg.Broadcast.URL, cfg.Broadcast.Token, interval, coordinator, nil)
	}
	return s
}

func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Handler serves the client WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleWebSocket)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	select {
	case s.sem <- struct{}{}:
	default:
		s.mu.Unlock()
		logger.WarnF("Connection limit reached, rejecting %s", r.RemoteAddr)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	s.connections.Add(1)
	s.mu.Unlock()
	defer func() {
		<-s.sem
		s.connections.Done()
	}()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("Fail to upgrade connection from %s, details: %v", r.RemoteAddr, err)
		return
	}
	connID := r.RemoteAddr + "#" + strconv.FormatUint(s.connSeq.Add(1), 10)
	logger.DebugF("Accepted new connection %s", connID)
	newConnectionHandler(s, ws, connID).serve()
}

// detach runs fn in the background with its own deadline. Close waits for it.
func (s *Server) detach(fn func(ctx context.Context) error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.detachTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.ErrorF("Background storage operation failed, details: %v", err)
		}
	}()
}

// Close ends every connection and waits for their teardown work.
func (s *Server) Close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()
	s.connections.Wait()
	s.background.Wait()
}

// Invoke lets the server be registered as a shutdown hook.
func (s *Server) Invoke(_ context.Context) error {
	s.Close()
	return nil
}

// Run serves the client and router ports and polls the broadcast feed until
// ctx is done.
func (s *Server) Run(ctx context.Context) error {
	wsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.App.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.handshakeTimeout,
	}
	routerServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.App.RouterPort),
		Handler:           s.RouterHandler(),
		ReadHeaderTimeout: s.handshakeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	serve := func(name string, srv *http.Server) func() error {
		return func() error {
			logger.InfoF("%s listening on %s", name, srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s stopped: %w", name, err)
			}
			return nil
		}
	}
	g.Go(serve("Push server", wsServer))
	g.Go(serve("Node router", routerServer))
	if s.poller != nil {
		g.Go(func() error { return s.poller.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.InfoF("Shutting down, %d connections open", s.registry.Count())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := errors.Join(wsServer.Shutdown(shutdownCtx), routerServer.Shutdown(shutdownCtx))
		s.Close()
		return err
	})
	return g.Wait()
}
