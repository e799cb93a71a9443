// Package ws is the chat gateway: a gobwas/ws WebSocket server multiplexed
// with Linux epoll, a frame dispatcher, and the Gateway that hosts one chat
// session per connected client.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/metrics"
	"github.com/recetas/chat-app/internal/protocol"
)

// pollTimeout bounds each poller wait so the event loop notices shutdown.
const pollTimeout = 100 // milliseconds

// DefaultMaxFrameSize fits a send frame carrying a message of
// chat.MaxContentChars runes with every rune escaped as a surrogate pair.
const DefaultMaxFrameSize = 8 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	CORSOrigins    []string      // allowed origins for /health and /metrics
	MaxFrameSize   int64         // largest accepted data frame payload in bytes
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		CORSOrigins:    []string{"*"},
		MaxFrameSize:   DefaultMaxFrameSize,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades authenticated HTTP requests to WebSocket, registers the
// connections with the poller, and dispatches ready connections to a bounded
// worker pool that reads one frame at a time.
type Server struct {
	config       ServerConfig
	log          zerolog.Logger
	poller       *Epoll
	conns        *ConnectionManager
	auth         Authenticator
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection) error
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	runOnce      sync.Once
	stopOnce     sync.Once
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine for
// every complete text frame; frames of one connection are handled in order.
func NewServer(config ServerConfig, logger zerolog.Logger, auth Authenticator, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	poller, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		log:        logger.With().Str("component", "ws").Logger(),
		poller:     poller,
		conns:      NewConnectionManager(),
		auth:       auth,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetOnConnect registers a callback run after the upgrade and before the
// connection is polled. An error closes the connection.
func (s *Server) SetOnConnect(fn func(conn *Connection) error) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, graceful close or shutdown).
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Handler returns the HTTP routes: /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/ws", s.handleUpgrade)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(s.log))
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", metrics.Handler())
	})
	return r
}

// Start begins accepting connections on ListenAddr and blocks until the
// server is shut down.
func (s *Server) Start() error {
	s.run()
	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.run()
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) run() {
	s.runOnce.Do(func() {
		s.startedAt = time.Now()
		go s.startEventLoop()
		StartHeartbeat(s, s.config.Heartbeat)
	})
}

// handleUpgrade authenticates the request, upgrades it with the gobwas/ws
// zero-copy upgrader, runs the connect hook and registers the connection
// with the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	principal, err := s.auth.Authenticate(r)
	if errors.Is(err, ErrUnauthorized) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("authentication unavailable")
		http.Error(w, "authentication unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), s.poller.Wrap(conn), principal)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		if err := s.onConnect(c); err != nil {
			s.log.Warn().Err(err).Str("conn", c.ID).Msg("connect hook failed")
			if frame, ferr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code:    "session_unavailable",
				Message: "chat session could not be started",
			}); ferr == nil {
				_ = s.SendMessage(c.ID, frame)
			}
			s.RemoveConnection(c)
			return
		}
	}

	if err := s.poller.Add(c.Conn); err != nil {
		s.log.Error().Err(err).Str("conn", c.ID).Msg("epoll add failed")
		s.RemoveConnection(c)
		return
	}

	s.log.Info().
		Str("conn", c.ID).
		Str("user", principal.User.ID).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// handleHealth reports the connection count and uptime as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits on the poller and hands each ready connection to a
// worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.poller.Wait(pollTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}

			go func(conn net.Conn) {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}(conn)
		}
	}
}

// handleConn reads a single frame from a ready connection. Control frames
// are consumed in place; a failed read removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poller.Done(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	// MaxFrameSize is checked against the client-chosen length before the
	// payload is allocated.
	reader := &wsutil.Reader{
		Source:       netConn,
		State:        ws.StateServerSide,
		MaxFrameSize: s.config.MaxFrameSize,
	}
	header, err := reader.NextFrame()
	if err != nil {
		// A timeout means the dispatch was stale; the heartbeat handles dead
		// connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		var protoErr ws.ProtocolError
		switch {
		case errors.Is(err, wsutil.ErrFrameTooLarge):
			s.rejectFrame(c, ws.StatusMessageTooBig, "frame too large", header.Length)
		case errors.As(err, &protoErr):
			s.rejectFrame(c, ws.StatusProtocolError, protoErr.Error(), header.Length)
		default:
			s.RemoveConnection(c)
		}
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 || s.onMessage == nil {
		return
	}

	start := time.Now()
	s.onMessage(c, data)
	metrics.FrameLatency.Observe(time.Since(start).Seconds())
}

// rejectFrame sends a close frame with code and removes c without reading
// the payload.
func (s *Server) rejectFrame(c *Connection, code ws.StatusCode, reason string, length int64) {
	s.log.Warn().Str("conn", c.ID).Int64("length", length).Str("reason", reason).Msg("frame rejected")
	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	_ = c.WriteClose(code, reason)
	s.RemoveConnection(c)
}

// RemoveConnection unregisters a connection from the poller and the
// connection manager, closes it, and runs the disconnect hook once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poller.Remove(c.Conn)

	// Only the first of several racing removals proceeds.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.Info().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear the deadline so it doesn't affect heartbeat pings.
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, removes every
// connection (running the disconnect hook) and closes the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down server")
		close(s.done)

		if herr := s.httpServer.Shutdown(ctx); herr != nil {
			err = fmt.Errorf("ws: http shutdown: %w", herr)
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		_ = s.poller.Close()
		s.log.Info().Msg("server stopped, all connections closed")
	})
	return err
}

// requestLogger logs one line per request.
func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
