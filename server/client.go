package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/larry-lines/justIRC/protocol"
)

// ClientState is the per-connection protocol state.
type ClientState int

const (
	// StateHandshaking accepts register, auth_request, create_account and
	// disconnect.
	StateHandshaking ClientState = iota
	// StateAwaitingAuth accepts auth_request and create_account only.
	StateAwaitingAuth
	// StateActive accepts the full message set.
	StateActive
	// StateClosed means the connection is being torn down.
	StateClosed
)

// sendQueueSize is the writer queue high-water mark. Past it, the oldest
// queued frames are dropped for that client only.
const sendQueueSize = 256

// Client is one server-side connection: a reader loop, a bounded
// outbound queue drained by a dedicated writer goroutine, and the
// registration state.
type Client struct {
	userID string
	server *Server
	conn   net.Conn
	ip     string

	mu           sync.RWMutex
	state        ClientState
	nickname     string
	publicKey    string
	account      string
	channels     map[string]struct{}
	connectedAt  time.Time
	lastActivity time.Time

	sendq chan *protocol.Message
	quit  chan struct{}
	once  sync.Once
}

// newClient wraps an accepted connection.
func newClient(server *Server, conn net.Conn) *Client {
	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &Client{
		userID:      uuid.New().String(),
		server:      server,
		conn:        conn,
		ip:          ip,
		state:       StateHandshaking,
		channels:    make(map[string]struct{}),
		connectedAt: time.Now(),
		sendq:       make(chan *protocol.Message, sendQueueSize),
		quit:        make(chan struct{}),
	}
}

// UserID returns the connection's stable opaque id.
func (c *Client) UserID() string { return c.userID }

// IP returns the source address.
func (c *Client) IP() string { return c.ip }

// Nickname returns the registered nickname, empty before registration.
func (c *Client) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// PublicKey returns the announced public key.
func (c *Client) PublicKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.publicKey
}

// Account returns the authenticated account name, if any.
func (c *Client) Account() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

// State returns the connection state.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Channels returns the channels this connection has joined.
func (c *Client) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Client) addChannel(channel string) {
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeChannel(channel string) {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

func (c *Client) inChannel(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[channel]
	return ok
}

// Send enqueues a frame for the writer goroutine. The queue is bounded;
// when it is full the oldest queued frame is discarded so a slow reader
// only loses its own traffic and never blocks the sender.
func (c *Client) Send(msg *protocol.Message) {
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.sendq <- msg:
		return
	default:
	}
	// Queue full: shed the oldest frame, then retry once.
	select {
	case <-c.sendq:
		c.server.metrics.DroppedFrames.Inc()
	default:
	}
	select {
	case c.sendq <- msg:
	default:
		c.server.metrics.DroppedFrames.Inc()
	}
}

// sendError sends a typed error frame.
func (c *Client) sendError(kind protocol.ErrorKind, text string) {
	c.server.metrics.ErrorFrames.WithLabelValues(string(kind)).Inc()
	c.Send(protocol.NewError(kind, text))
}

// sendRateLimited sends a rate-limit error carrying the retry delay.
func (c *Client) sendRateLimited(retryAfter int) {
	c.server.metrics.ErrorFrames.WithLabelValues(string(protocol.KindRateLimitExceeded)).Inc()
	m := protocol.NewError(protocol.KindRateLimitExceeded, "rate limit exceeded")
	m.RetryAfter = float64(retryAfter)
	c.Send(m)
}

// writeLoop drains the outbound queue onto the connection.
func (c *Client) writeLoop() {
	enc := protocol.NewEncoder(c.conn)
	for {
		select {
		case msg := <-c.sendq:
			c.conn.SetWriteDeadline(time.Now().Add(time.Duration(c.server.config.Limits.ReadTimeout) * time.Second))
			if err := enc.Encode(msg); err != nil {
				c.close()
				return
			}
		case <-c.quit:
			// Flush whatever is already queued before the connection
			// goes away; disconnect frames and final errors ride here.
			for {
				select {
				case msg := <-c.sendq:
					c.conn.SetWriteDeadline(time.Now().Add(time.Second))
					if enc.Encode(msg) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop reads frames until the connection dies. Every read, in every
// state, gets the configured connection timeout as its deadline,
// refreshed per frame.
func (c *Client) readLoop() {
	dec := protocol.NewDecoderSize(c.conn, c.server.config.Limits.MaxMessageSize)
	idle := time.Duration(c.server.config.Limits.ConnectionTimeout) * time.Second

	for {
		c.conn.SetReadDeadline(time.Now().Add(idle))
		msg, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrMessageTooLarge):
				c.sendError(protocol.KindMessageTooLarge, "frame exceeds maximum size")
			case errors.Is(err, protocol.ErrMalformedFrame):
				c.sendError(protocol.KindMalformedFrame, "malformed frame")
			case errors.Is(err, io.EOF):
				// Peer gone; close silently.
			default:
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					slog.Debug("connection idle timeout", "user_id", c.userID, "ip", c.ip)
				}
			}
			c.close()
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		c.server.dispatch(c, msg)

		select {
		case <-c.quit:
			return
		default:
		}
	}
}

// close tears the connection down exactly once and triggers server-side
// cleanup.
func (c *Client) close() {
	c.once.Do(func() {
		c.setState(StateClosed)
		close(c.quit)
		c.conn.SetReadDeadline(time.Now())
		go func() {
			// Give the writer a moment to flush, then close the socket.
			time.Sleep(100 * time.Millisecond)
			c.conn.Close()
		}()
		c.server.removeClient(c)
	})
}
