package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recetas/chat-app/internal/chat"
	"github.com/recetas/chat-app/internal/metrics"
	"github.com/recetas/chat-app/internal/protocol"
)

// UserDirectory keeps the sender join of the message table current.
type UserDirectory interface {
	UpsertUser(ctx context.Context, u chat.User, role string) error
}

// GatewayConfig holds the per-connection settings of the gateway.
type GatewayConfig struct {
	Chat          chat.Config
	OutboundQueue int           // frames buffered per client before it is dropped
	StartTimeout  time.Duration // bound on subscribing and loading history
	OpTimeout     time.Duration // bound on one send, delete or reload
}

// DefaultGatewayConfig returns the standard gateway settings.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Chat:          chat.DefaultConfig(),
		OutboundQueue: 256,
		StartTimeout:  10 * time.Second,
		OpTimeout:     10 * time.Second,
	}
}

// Gateway hosts one chat.Session per connection and translates between
// client frames and session operations. Sessions share the feed and typing
// subscriptions through deps.Channels.
type Gateway struct {
	cfg        GatewayConfig
	deps       chat.Deps
	users      UserDirectory
	dispatcher *MessageDispatcher
	server     *Server
	log        zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	conn    *Connection
	session *chat.Session
	self    chat.User
	out     chan []byte
	done    chan struct{}
	stop    func()
	started bool
}

// NewGateway creates a gateway. deps.Identity is ignored: each connection
// supplies its own. users may be nil.
func NewGateway(cfg GatewayConfig, deps chat.Deps, users UserDirectory, logger zerolog.Logger) *Gateway {
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = DefaultGatewayConfig().OutboundQueue
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultGatewayConfig().StartTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultGatewayConfig().OpTimeout
	}
	if deps.Channels == nil {
		deps.Channels = chat.NewChannels(chat.PolicyShare)
	}

	g := &Gateway{
		cfg:     cfg,
		deps:    deps,
		users:   users,
		log:     logger.With().Str("component", "gateway").Logger(),
		clients: make(map[string]*client),
	}

	g.dispatcher = NewMessageDispatcher(g.log)
	g.dispatcher.SetReply(g.reply)
	g.dispatcher.Register(protocol.TypeSend, g.handleSend)
	g.dispatcher.Register(protocol.TypeDelete, g.handleDelete)
	g.dispatcher.Register(protocol.TypeTyping, g.handleTyping)
	g.dispatcher.Register(protocol.TypeReload, g.handleReload)
	return g
}

// Dispatch is the server's onMessage callback.
func (g *Gateway) Dispatch(conn *Connection, data []byte) {
	g.dispatcher.Dispatch(conn, data)
}

// Attach installs the gateway's connect and disconnect hooks on server.
func (g *Gateway) Attach(server *Server) {
	g.server = server
	server.SetOnConnect(g.open)
	server.SetOnDisconnect(g.close)
}

// Sessions returns the number of live sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) open(conn *Connection) error {
	p := conn.Principal

	if g.users != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := g.users.UpsertUser(ctx, p.User, p.Role); err != nil {
			g.log.Warn().Err(err).Str("user", p.User.ID).Msg("user directory update failed")
		}
		cancel()
	}

	deps := g.deps
	deps.Identity = p.Identity
	deps.Logger = g.log.With().Str("conn", conn.ID).Logger()
	sess, err := chat.NewSession(deps, g.cfg.Chat)
	if err != nil {
		return fmt.Errorf("ws: new session: %w", err)
	}

	cl := &client{
		conn:    conn,
		session: sess,
		self:    p.User,
		out:     make(chan []byte, g.cfg.OutboundQueue),
		done:    make(chan struct{}),
	}
	g.mu.Lock()
	g.clients[conn.ID] = cl
	g.mu.Unlock()
	go g.writeLoop(cl)

	if frame, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: conn.ID,
		User:      protocol.UserView{ID: p.User.ID, Email: p.User.Email},
	}); err == nil {
		g.enqueue(cl, frame)
	}

	// Runs on the session loop: encode and queue only.
	cl.stop = sess.Watch(func(u chat.Update) {
		frame, err := updateFrame(u, cl.self)
		if err != nil {
			g.log.Error().Err(err).Str("conn", conn.ID).Msg("encode update")
			return
		}
		g.enqueue(cl, frame)
	})

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.StartTimeout)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("ws: start session: %w", err)
	}

	g.mu.Lock()
	cl.started = true
	g.mu.Unlock()
	metrics.ActiveSessions.Inc()
	return nil
}

func (g *Gateway) close(conn *Connection) {
	g.mu.Lock()
	cl, ok := g.clients[conn.ID]
	delete(g.clients, conn.ID)
	started := ok && cl.started
	g.mu.Unlock()
	if !ok {
		return
	}

	if cl.stop != nil {
		cl.stop()
	}
	if err := cl.session.Close(); err != nil {
		g.log.Warn().Err(err).Str("conn", conn.ID).Msg("session close")
	}
	close(cl.done)
	if started {
		metrics.ActiveSessions.Dec()
	}
}

func (g *Gateway) client(conn *Connection) *client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[conn.ID]
}

// enqueue queues frame for the client's writer. A client whose queue is
// full is disconnected; the removal runs on its own goroutine because
// enqueue may be called from the session loop.
func (g *Gateway) enqueue(cl *client, frame []byte) {
	select {
	case <-cl.done:
		return
	default:
	}
	select {
	case cl.out <- frame:
	case <-cl.done:
	default:
		g.log.Warn().Str("conn", cl.conn.ID).Msg("outbound queue full, dropping client")
		if g.server != nil {
			go g.server.RemoveConnection(cl.conn)
		}
	}
}

func (g *Gateway) writeLoop(cl *client) {
	for {
		select {
		case frame := <-cl.out:
			if err := g.write(cl.conn, frame); err != nil {
				g.log.Debug().Err(err).Str("conn", cl.conn.ID).Msg("write failed")
				if g.server != nil {
					g.server.RemoveConnection(cl.conn)
				}
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (g *Gateway) write(conn *Connection, frame []byte) error {
	if g.server != nil {
		return g.server.SendMessage(conn.ID, frame)
	}
	return conn.WriteMessage(frame)
}

// reply sends a dispatcher frame through the client's queue so it stays
// ordered with session updates.
func (g *Gateway) reply(conn *Connection, frame []byte) {
	if cl := g.client(conn); cl != nil {
		g.enqueue(cl, frame)
		return
	}
	_ = conn.WriteMessage(frame)
}

// ---------------------------------------------------------------------------
// Client frame handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleSend(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}
	cl := g.client(conn)
	if cl == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
	defer cancel()
	err := cl.session.Send(ctx, m.Content)
	if err != nil {
		g.log.Debug().Err(err).Str("conn", conn.ID).Msg("send failed")
	}

	frame, ferr := sendResultFrame(m.Content, err, g.remaining(ctx, cl.self.ID))
	if ferr != nil {
		g.log.Error().Err(ferr).Msg("encode send result")
		return
	}
	g.enqueue(cl, frame)
}

// remaining asks the limiter for the sends userID has left. It returns nil
// when sends are not limited or the limiter cannot tell.
func (g *Gateway) remaining(ctx context.Context, userID string) *int {
	quota, ok := g.deps.Limiter.(chat.QuotaLimiter)
	if !ok {
		return nil
	}
	n, err := quota.Remaining(ctx, userID)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func (g *Gateway) handleDelete(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.DeleteMsg)
	if !ok {
		return
	}
	cl := g.client(conn)
	if cl == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
	defer cancel()
	err := cl.session.Delete(ctx, m.ID)
	if err != nil {
		g.log.Debug().Err(err).Str("conn", conn.ID).Str("id", m.ID).Msg("delete failed")
	}

	frame, ferr := deleteResultFrame(m.ID, err)
	if ferr != nil {
		g.log.Error().Err(ferr).Msg("encode delete result")
		return
	}
	g.enqueue(cl, frame)
}

func (g *Gateway) handleTyping(conn *Connection, _ interface{}) {
	if cl := g.client(conn); cl != nil {
		cl.session.NotifyTyping()
	}
}

func (g *Gateway) handleReload(conn *Connection, _ interface{}) {
	cl := g.client(conn)
	if cl == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.OpTimeout)
	defer cancel()
	if err := cl.session.Reload(ctx); err != nil {
		g.dispatcher.SendError(conn, "reload_failed", err.Error())
	}
}
