// Package server implements the JustIRC routing server: a zero-knowledge
// relay that validates, authorizes and routes encrypted frames without
// ever reading their payloads.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/larry-lines/justIRC/config"
	"github.com/larry-lines/justIRC/protocol"
)

// handlerFunc processes one inbound frame for a connection.
type handlerFunc func(c *Client, msg *protocol.Message)

// Server is the routing server.
type Server struct {
	config    *config.Config
	startTime time.Time

	sessions *SessionTable
	channels *ChannelRegistry
	auth     *AuthStore
	limiter  *RateLimiter
	ipfilter *IPFilter
	metrics  *Metrics
	status   *StatusPortal

	handlers map[string]handlerFunc

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup
}

// New creates a server from configuration, loading the persistent
// channel, account and IP-rule stores before any connection is accepted.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("server: create data dir: %w", err)
	}

	channels, err := NewChannelRegistry(filepath.Join(cfg.Server.DataDir, "channels.json"), cfg.Limits.MaxChannels)
	if err != nil {
		return nil, err
	}

	mode := ModeBlacklist
	if cfg.IPFilter.Whitelist {
		mode = ModeWhitelist
	}
	ipfilter, err := NewIPFilter(filepath.Join(cfg.Server.DataDir, "ip_rules.json"), mode)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		config:    cfg,
		startTime: time.Now(),
		sessions:  NewSessionTable(cfg.Limits.MaxUsers),
		channels:  channels,
		ipfilter:  ipfilter,
		metrics:   NewMetrics(),
		quit:      make(chan struct{}),
	}

	srv.limiter = NewRateLimiter(RateLimits{
		MessagesPerWindow:    cfg.RateLimits.MessageRate,
		ImageChunksPerWindow: cfg.RateLimits.ImageChunkRate,
		ConnectionsPerMinute: cfg.RateLimits.ConnectionRate,
		BanThreshold:         cfg.RateLimits.BanThreshold,
	}, func(ip string, d time.Duration) {
		slog.Warn("temp banning ip after repeated rate violations", "ip", ip, "duration", d)
		ipfilter.TempBan(ip, d)
	})

	if cfg.Auth.Enabled {
		auth, err := NewAuthStore(filepath.Join(cfg.Server.DataDir, "accounts.json"))
		if err != nil {
			return nil, err
		}
		srv.auth = auth
	}

	if cfg.Status.Enabled {
		srv.status = NewStatusPortal(srv)
	}

	srv.registerHandlers()
	return srv, nil
}

// Start begins listening and accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress())
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.config.ListenAddress(), err)
	}
	s.listener = listener
	slog.Info("server listening", "addr", s.config.ListenAddress(), "name", s.config.Server.Name)

	if s.status != nil {
		go s.status.Start()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, disconnects all clients and flushes the
// channel registry.
func (s *Server) Stop() error {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	if s.status != nil {
		s.status.Stop()
	}
	s.sessions.Each(func(c *Client) { c.close() })
	s.wg.Wait()
	s.channels.Close()
	return nil
}

// Addr returns the bound listener address, for tests that listen on an
// ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				slog.Error("accept failed", "error", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// handleConnection runs the connection lifecycle: IP filtering,
// connection rate limiting, then the reader/writer pair.
func (s *Server) handleConnection(conn net.Conn) {
	c := newClient(s, conn)
	s.metrics.ConnectionsTotal.Inc()

	if !s.ipfilter.IsAllowed(c.ip) {
		slog.Info("rejecting denied ip", "ip", c.ip)
		conn.Close()
		return
	}
	if ok, _ := s.limiter.Allow(c.ip, BucketConnection); !ok {
		s.metrics.RateLimitDenials.WithLabelValues(string(BucketConnection)).Inc()
		slog.Info("rejecting connection over rate", "ip", c.ip)
		conn.Close()
		return
	}

	s.metrics.ActiveConnections.Inc()
	slog.Info("connection accepted", "ip", c.ip, "user_id", c.userID)

	if s.config.Auth.Required {
		c.setState(StateAwaitingAuth)
		m := protocol.New(protocol.TypeAuthRequired)
		m.Info = "authentication required"
		c.Send(m)
	}

	go c.writeLoop()
	c.readLoop()
}

// removeClient runs disconnect cleanup: both session table indices go
// atomically, every joined channel drops the member (stored operator
// passwords survive), and user_left is broadcast.
func (s *Server) removeClient(c *Client) {
	s.metrics.ActiveConnections.Dec()

	registered := c.Nickname() != ""
	s.sessions.Remove(c)
	s.limiter.Forget(c.userID)

	if !registered {
		return
	}

	affected := s.channels.RemoveUser(c.userID)
	for _, channel := range affected {
		left := protocol.New(protocol.TypeUserLeft)
		left.Channel = channel
		left.UserID = c.userID
		left.Nickname = c.Nickname()
		s.broadcastToChannel(channel, left, c.userID)
	}

	// Connected peers also learn the user is gone entirely.
	gone := protocol.New(protocol.TypeUserLeft)
	gone.UserID = c.userID
	gone.Nickname = c.Nickname()
	s.sessions.Each(func(other *Client) {
		if other.userID != c.userID {
			other.Send(gone)
		}
	})

	slog.Info("client disconnected", "user_id", c.userID, "nickname", c.Nickname())
}

// broadcastToChannel sends a frame to all current members except one.
func (s *Server) broadcastToChannel(channel string, msg *protocol.Message, exceptID string) {
	for _, id := range s.channels.Members(channel) {
		if id == exceptID {
			continue
		}
		if member, ok := s.sessions.GetByID(id); ok {
			member.Send(msg)
		}
	}
}

// dispatch routes one inbound frame to its handler, enforcing the
// connection-state matrix. Handler panics are contained so one bad frame
// cannot take down the server.
func (s *Server) dispatch(c *Client, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "type", msg.Type, "user_id", c.userID, "panic", r)
			c.sendError(protocol.KindNotAuthorized, "internal server error")
		}
	}()

	handler, ok := s.handlers[msg.Type]
	if !ok {
		c.sendError(protocol.KindMalformedFrame, fmt.Sprintf("unknown message type: %s", msg.Type))
		c.close()
		return
	}

	switch c.State() {
	case StateClosed:
		return
	case StateAwaitingAuth:
		if msg.Type != protocol.TypeAuthRequest && msg.Type != protocol.TypeCreateAccount {
			c.sendError(protocol.KindAuthRequired, "authenticate first")
			return
		}
	case StateHandshaking:
		switch msg.Type {
		case protocol.TypeRegister, protocol.TypeAuthRequest, protocol.TypeCreateAccount, protocol.TypeDisconnect:
		default:
			c.sendError(protocol.KindNotAuthorized, "register first")
			return
		}
	}

	handler(c, msg)
}
