// Package client implements the JustIRC client engine: the connection
// loop, frame dispatch, key management, channel state and file transfer.
// Presentation is external; the engine surfaces events through callbacks
// and never renders anything itself.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/larry-lines/justIRC/e2ee"
	"github.com/larry-lines/justIRC/protocol"
)

var (
	// ErrNotConnected reports an operation before Connect or Register.
	ErrNotConnected = errors.New("client: not connected")

	// ErrUnknownNickname reports a target nickname with no known user.
	ErrUnknownNickname = errors.New("client: unknown nickname")

	// ErrNotInChannel reports a channel operation without membership.
	ErrNotInChannel = errors.New("client: not in channel")
)

// User is a remote user as seen by this client.
type User struct {
	UserID    string
	Nickname  string
	PublicKey string
}

// Callbacks surface engine events to the presentation layer. Nil
// callbacks are skipped. They are invoked from the network goroutine;
// the UI side is responsible for rehoming them onto its own thread.
type Callbacks struct {
	OnPrivateMessage func(fromNickname, text string)
	OnChannelMessage func(channel, fromNickname, text string)
	OnSystem         func(text string)
	OnError          func(kind, text string)
	OnUserJoined     func(u User)
	OnUserLeft       func(u User, channel string)
	OnChannelJoined  func(channel string, operator bool)
	OnTopicChanged   func(channel, topic, setBy string)
	OnFileReceived   func(fromNickname, path string, size int64)
	OnFileProgress   func(transfer string, sent, total int)
}

// Client is a connected JustIRC client.
type Client struct {
	conn   net.Conn
	enc    *protocol.Encoder
	engine *e2ee.Engine

	mu             sync.RWMutex
	userID         string
	nickname       string
	sessionToken   string
	authResult     chan error
	users          map[string]User
	nickToID       map[string]string
	channels       map[string]bool
	currentChannel string

	transfers *transferManager
	callbacks Callbacks

	quit chan struct{}
	once sync.Once
}

// Options configures a client.
type Options struct {
	// DownloadDir receives completed file transfers.
	DownloadDir string

	// Rotation overrides the engine's rekey thresholds.
	Rotation e2ee.Options
}

// Dial connects to a server and starts the read loop. Register must be
// called before messaging.
func Dial(addr string, callbacks Callbacks, opts Options) (*Client, error) {
	engine, err := e2ee.NewWithOptions(opts.Rotation)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:      conn,
		enc:       protocol.NewEncoder(conn),
		engine:    engine,
		users:     make(map[string]User),
		nickToID:  make(map[string]string),
		channels:  make(map[string]bool),
		callbacks: callbacks,
		quit:      make(chan struct{}),
	}
	c.transfers = newTransferManager(c, opts.DownloadDir)
	go c.readLoop()
	return c, nil
}

// Close disconnects.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.quit)
		c.send(protocol.New(protocol.TypeDisconnect))
		c.conn.Close()
	})
}

// UserID returns the server-assigned id, empty before registration.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Nickname returns the registered nickname.
func (c *Client) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// CurrentChannel returns the channel targeted by bare messages.
func (c *Client) CurrentChannel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentChannel
}

func (c *Client) send(msg *protocol.Message) error {
	return c.enc.Encode(msg)
}

// Register announces the nickname and public key. With authentication
// required on the server, Authenticate must have been called first.
func (c *Client) Register(nickname string) error {
	if err := protocol.ValidateNickname(nickname); err != nil {
		return err
	}
	msg := protocol.New(protocol.TypeRegister)
	msg.Nickname = nickname
	msg.PublicKey = c.engine.PublicKeyB64()
	c.mu.RLock()
	msg.SessionToken = c.sessionToken
	c.mu.RUnlock()
	c.mu.Lock()
	c.nickname = nickname
	c.mu.Unlock()
	return c.send(msg)
}

// Authenticate logs into an account and blocks until the server answers
// or a timeout elapses; the minted session token is used by the next
// Register.
func (c *Client) Authenticate(username, password string) error {
	result := make(chan error, 1)
	c.mu.Lock()
	c.authResult = result
	c.mu.Unlock()

	msg := protocol.New(protocol.TypeAuthRequest)
	msg.Username = username
	msg.Password = password
	if err := c.send(msg); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-time.After(10 * time.Second):
		return errors.New("client: authentication timed out")
	case <-c.quit:
		return ErrNotConnected
	}
}

// CreateAccount registers a new account.
func (c *Client) CreateAccount(username, password, email string) error {
	msg := protocol.New(protocol.TypeCreateAccount)
	msg.Username = username
	msg.Password = password
	msg.Email = email
	return c.send(msg)
}

// resolveNick maps a nickname to the peer's user id.
func (c *Client) resolveNick(nickname string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.nickToID[nickname]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownNickname, nickname)
	}
	return id, nil
}

// ensureSession installs a peer session from the user table, then
// rotates the key if a rekey trigger has fired.
func (c *Client) ensureSession(peerID string) error {
	if !c.engine.HasPeer(peerID) {
		c.mu.RLock()
		u, ok := c.users[peerID]
		c.mu.RUnlock()
		if !ok || u.PublicKey == "" {
			return fmt.Errorf("client: no public key for %s", peerID)
		}
		if err := c.engine.InstallPeer(peerID, u.PublicKey); err != nil {
			return err
		}
	}
	if c.engine.RotationNeeded(peerID) != e2ee.RotationNone {
		if err := c.RequestRekey(peerID); err != nil {
			slog.Debug("rekey request failed", "peer", peerID, "error", err)
		}
	}
	return nil
}

// SendPrivateMessage encrypts text for the peer and sends it.
func (c *Client) SendPrivateMessage(nickname, text string) error {
	if err := protocol.ValidateMessage(text); err != nil {
		return err
	}
	peerID, err := c.resolveNick(nickname)
	if err != nil {
		return err
	}
	if err := c.ensureSession(peerID); err != nil {
		return err
	}
	ct, nonce, err := c.engine.Encrypt(peerID, []byte(text))
	if err != nil {
		return err
	}
	msg := protocol.New(protocol.TypePrivateMessage)
	msg.FromID = c.UserID()
	msg.ToID = peerID
	msg.EncryptedData = ct
	msg.Nonce = nonce
	return c.send(msg)
}

// SendChannelMessage encrypts text with the channel key and sends it.
func (c *Client) SendChannelMessage(channel, text string) error {
	if err := protocol.ValidateMessage(text); err != nil {
		return err
	}
	c.mu.RLock()
	member := c.channels[channel]
	c.mu.RUnlock()
	if !member {
		return fmt.Errorf("%w: %s", ErrNotInChannel, channel)
	}
	ct, nonce, err := c.engine.EncryptChannel(channel, []byte(text))
	if err != nil {
		return err
	}
	msg := protocol.New(protocol.TypeChannelMessage)
	msg.FromID = c.UserID()
	msg.ToID = channel
	msg.Channel = channel
	msg.EncryptedData = ct
	msg.Nonce = nonce
	return c.send(msg)
}

// JoinChannel asks the server to create or join a channel.
func (c *Client) JoinChannel(channel, password, creatorPassword string) error {
	if err := protocol.ValidateChannelName(channel); err != nil {
		return err
	}
	msg := protocol.New(protocol.TypeJoinChannel)
	msg.UserID = c.UserID()
	msg.Channel = channel
	msg.Password = password
	msg.CreatorPassword = creatorPassword
	return c.send(msg)
}

// LeaveChannel leaves a channel and forgets its key.
func (c *Client) LeaveChannel(channel string) error {
	msg := protocol.New(protocol.TypeLeaveChannel)
	msg.UserID = c.UserID()
	msg.Channel = channel
	if err := c.send(msg); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.channels, channel)
	if c.currentChannel == channel {
		c.currentChannel = ""
	}
	c.mu.Unlock()
	c.engine.RemoveChannelKey(channel)
	return nil
}

// SetTopic sets a channel topic (operators only).
func (c *Client) SetTopic(channel, topic string) error {
	msg := protocol.New(protocol.TypeSetTopic)
	msg.Channel = channel
	msg.Topic = topic
	return c.send(msg)
}

// OpUser grants operator status with a reclaim password.
func (c *Client) OpUser(channel, nickname, opPassword string) error {
	msg := protocol.New(protocol.TypeOpUser)
	msg.Channel = channel
	msg.TargetNickname = nickname
	msg.Password = opPassword
	return c.send(msg)
}

// KickUser kicks a member, optionally blocking rejoin for a duration.
func (c *Client) KickUser(channel, nickname, reason string, duration time.Duration) error {
	msg := protocol.New(protocol.TypeKickUser)
	msg.Channel = channel
	msg.TargetNickname = nickname
	msg.Reason = reason
	msg.Duration = int64(duration.Seconds())
	return c.send(msg)
}

// BanUser bans a nickname from a channel.
func (c *Client) BanUser(channel, nickname string) error {
	msg := protocol.New(protocol.TypeBanUser)
	msg.Channel = channel
	msg.TargetNickname = nickname
	return c.send(msg)
}

// UnbanUser lifts a ban.
func (c *Client) UnbanUser(channel, nickname string) error {
	msg := protocol.New(protocol.TypeUnbanUser)
	msg.Channel = channel
	msg.TargetNickname = nickname
	return c.send(msg)
}

// RequestRekey initiates a key rotation with a peer.
func (c *Client) RequestRekey(peerID string) error {
	newPub, err := c.engine.BeginRotation(peerID)
	if err != nil {
		return err
	}
	msg := protocol.New(protocol.TypeRekeyRequest)
	msg.FromID = c.UserID()
	msg.ToID = peerID
	msg.NewPublicKey = newPub
	return c.send(msg)
}

// RekeyWith initiates a rotation by nickname.
func (c *Client) RekeyWith(nickname string) error {
	peerID, err := c.resolveNick(nickname)
	if err != nil {
		return err
	}
	if err := c.ensureSession(peerID); err != nil {
		return err
	}
	return c.RequestRekey(peerID)
}

// Users returns a snapshot of known users.
func (c *Client) Users() []User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]User, 0, len(c.users))
	for _, u := range c.users {
		out = append(out, u)
	}
	return out
}

// readLoop dispatches inbound frames until the connection closes.
func (c *Client) readLoop() {
	dec := protocol.NewDecoder(c.conn)
	for {
		msg, err := dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("read loop ended", "error", err)
			}
			c.emitSystem("disconnected from server")
			return
		}
		c.handleFrame(msg)
		select {
		case <-c.quit:
			return
		default:
		}
	}
}

func (c *Client) handleFrame(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAck:
		c.handleAck(msg)
	case protocol.TypeError:
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(msg.Kind, msg.Error)
		}
	case protocol.TypeAuthRequired:
		c.emitSystem("server requires authentication")
	case protocol.TypeAuthResponse:
		c.handleAuthResponse(msg)
	case protocol.TypeUserList:
		c.handleUserList(msg)
	case protocol.TypeUserJoined:
		c.handleUserJoined(msg)
	case protocol.TypeUserLeft:
		c.handleUserLeft(msg)
	case protocol.TypePublicKeyResponse:
		c.addUser(User{UserID: msg.UserID, Nickname: msg.Nickname, PublicKey: msg.PublicKey})
	case protocol.TypeKeyExchange:
		c.handleKeyExchange(msg)
	case protocol.TypeRekeyRequest:
		c.handleRekeyRequest(msg)
	case protocol.TypeRekeyResponse:
		c.handleRekeyResponse(msg)
	case protocol.TypePrivateMessage:
		c.handlePrivateMessage(msg)
	case protocol.TypeChannelMessage:
		c.handleChannelMessage(msg)
	case protocol.TypeSetTopic:
		if c.callbacks.OnTopicChanged != nil {
			c.callbacks.OnTopicChanged(msg.Channel, msg.Topic, msg.SetBy)
		}
	case protocol.TypeKickUser:
		c.mu.Lock()
		delete(c.channels, msg.Channel)
		c.mu.Unlock()
		c.emitSystem(fmt.Sprintf("kicked from %s by %s: %s", msg.Channel, msg.KickedBy, msg.Reason))
	case protocol.TypeBanUser:
		c.mu.Lock()
		delete(c.channels, msg.Channel)
		c.mu.Unlock()
		c.emitSystem(fmt.Sprintf("banned from %s by %s", msg.Channel, msg.KickedBy))
	case protocol.TypeOpUser:
		c.emitSystem(fmt.Sprintf("%s is now an operator in %s (granted by %s)", msg.Nickname, msg.Channel, msg.GrantedBy))
	case protocol.TypeImageStart:
		c.transfers.handleStart(msg)
	case protocol.TypeImageChunk:
		c.transfers.handleChunk(msg)
	case protocol.TypeImageEnd:
		c.transfers.handleEnd(msg)
	}
}

func (c *Client) handleAck(msg *protocol.Message) {
	if msg.UserID != "" && c.UserID() == "" {
		c.mu.Lock()
		c.userID = msg.UserID
		c.mu.Unlock()
	}
	if msg.Channel != "" {
		c.handleChannelJoined(msg)
		return
	}
	if msg.Info != "" {
		c.emitSystem(msg.Info)
	}
}

// handleChannelJoined runs on the join ack: record membership, record
// every other member's public key, and either mint the channel key (first
// member) or wait for one to arrive in a key_exchange frame.
func (c *Client) handleChannelJoined(msg *protocol.Message) {
	channel := msg.Channel
	operator := msg.IsOperator != nil && *msg.IsOperator

	c.mu.Lock()
	c.channels[channel] = true
	c.currentChannel = channel
	c.mu.Unlock()

	for _, member := range msg.Members {
		if member.UserID == c.UserID() {
			continue
		}
		c.addUser(User{UserID: member.UserID, Nickname: member.Nickname, PublicKey: member.PublicKey})
	}

	if len(msg.Members) <= 1 && !c.engine.HasChannelKey(channel) {
		if _, err := c.engine.CreateChannelKey(channel); err != nil {
			slog.Error("create channel key failed", "channel", channel, "error", err)
		}
	}

	if c.callbacks.OnChannelJoined != nil {
		c.callbacks.OnChannelJoined(channel, operator)
	}
}

func (c *Client) handleAuthResponse(msg *protocol.Message) {
	success := msg.Success != nil && *msg.Success

	c.mu.Lock()
	if success {
		c.sessionToken = msg.SessionToken
	}
	result := c.authResult
	c.authResult = nil
	c.mu.Unlock()

	if result != nil {
		if success {
			result <- nil
		} else {
			result <- fmt.Errorf("client: authentication failed: %s", msg.Info)
		}
	}
	if success {
		c.emitSystem("authenticated")
	} else if c.callbacks.OnError != nil {
		c.callbacks.OnError(msg.Kind, msg.Info)
	}
}

func (c *Client) handleUserList(msg *protocol.Message) {
	for _, u := range msg.Users {
		if u.UserID == c.UserID() {
			continue
		}
		c.addUser(User{UserID: u.UserID, Nickname: u.Nickname, PublicKey: u.PublicKey})
	}
}

// handleUserJoined records the user. When the join carries a channel and
// this client holds the channel key, the key is wrapped for the joiner
// and relayed through the server.
func (c *Client) handleUserJoined(msg *protocol.Message) {
	u := User{UserID: msg.UserID, Nickname: msg.Nickname, PublicKey: msg.PublicKey}
	c.addUser(u)

	if msg.Channel != "" && c.engine.HasChannelKey(msg.Channel) {
		if err := c.shareChannelKey(msg.Channel, u); err != nil {
			slog.Debug("channel key share failed", "channel", msg.Channel, "peer", u.Nickname, "error", err)
		}
	}
	if c.callbacks.OnUserJoined != nil {
		c.callbacks.OnUserJoined(u)
	}
}

// channelKeyPayload is the plaintext inside a key_exchange frame.
type channelKeyPayload struct {
	Channel string `json:"channel"`
	Key     string `json:"key"`
}

// shareChannelKey wraps the channel key in the peer session and sends it
// via key_exchange. The server relays the ciphertext blindly, so every
// member ends up holding byte-identical key material.
func (c *Client) shareChannelKey(channel string, to User) error {
	if err := c.ensureSession(to.UserID); err != nil {
		return err
	}
	key, err := c.engine.ExportChannelKey(channel)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(channelKeyPayload{Channel: channel, Key: key})
	if err != nil {
		return err
	}
	ct, nonce, err := c.engine.Encrypt(to.UserID, payload)
	if err != nil {
		return err
	}
	msg := protocol.New(protocol.TypeKeyExchange)
	msg.FromID = c.UserID()
	msg.ToID = to.UserID
	msg.Channel = channel
	msg.EncryptedData = ct
	msg.Nonce = nonce
	return c.send(msg)
}

func (c *Client) handleKeyExchange(msg *protocol.Message) {
	if err := c.ensureSession(msg.FromID); err != nil {
		return
	}
	plaintext, err := c.engine.Decrypt(msg.FromID, msg.EncryptedData, msg.Nonce)
	if err != nil {
		slog.Debug("key exchange decrypt failed", "from", msg.FromID)
		return
	}
	var payload channelKeyPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return
	}
	if err := c.engine.InstallChannelKey(payload.Channel, payload.Key); err != nil {
		return
	}
	c.emitSystem(fmt.Sprintf("received channel key for %s", payload.Channel))
}

func (c *Client) handleRekeyRequest(msg *protocol.Message) {
	if err := c.ensureSession(msg.FromID); err != nil {
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(string(protocol.KindRotationPeerUnavailable), "rekey from unknown peer")
		}
		return
	}
	newPub, err := c.engine.BeginRotation(msg.FromID)
	if err != nil {
		return
	}
	resp := protocol.New(protocol.TypeRekeyResponse)
	resp.FromID = c.UserID()
	resp.ToID = msg.FromID
	resp.NewPublicKey = newPub
	if err := c.send(resp); err != nil {
		return
	}
	if err := c.engine.CompleteRotation(msg.FromID, msg.NewPublicKey); err != nil {
		slog.Debug("rekey completion failed", "peer", msg.FromID, "error", err)
	}
}

func (c *Client) handleRekeyResponse(msg *protocol.Message) {
	if err := c.engine.CompleteRotation(msg.FromID, msg.NewPublicKey); err != nil {
		slog.Debug("rekey completion failed", "peer", msg.FromID, "error", err)
	}
}

func (c *Client) handlePrivateMessage(msg *protocol.Message) {
	if err := c.ensureSession(msg.FromID); err != nil {
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(string(protocol.KindNoEncryptionKey), "no key for sender")
		}
		return
	}
	plaintext, err := c.engine.Decrypt(msg.FromID, msg.EncryptedData, msg.Nonce)
	if err != nil {
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(string(protocol.KindDecryptFailure), "could not decrypt message")
		}
		return
	}
	if c.callbacks.OnPrivateMessage != nil {
		c.callbacks.OnPrivateMessage(c.nicknameFor(msg.FromID), string(plaintext))
	}
}

func (c *Client) handleChannelMessage(msg *protocol.Message) {
	channel := msg.Channel
	if channel == "" {
		channel = msg.ToID
	}
	plaintext, err := c.engine.DecryptChannel(channel, msg.EncryptedData, msg.Nonce)
	if err != nil {
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(string(protocol.KindDecryptFailure), "could not decrypt channel message")
		}
		return
	}
	if c.callbacks.OnChannelMessage != nil {
		c.callbacks.OnChannelMessage(channel, c.nicknameFor(msg.FromID), string(plaintext))
	}
}

func (c *Client) handleUserLeft(msg *protocol.Message) {
	c.mu.Lock()
	u, known := c.users[msg.UserID]
	if msg.Channel == "" && known {
		delete(c.users, msg.UserID)
		delete(c.nickToID, u.Nickname)
	}
	c.mu.Unlock()
	if msg.Channel == "" {
		c.engine.RemovePeer(msg.UserID)
	}
	if c.callbacks.OnUserLeft != nil {
		c.callbacks.OnUserLeft(User{UserID: msg.UserID, Nickname: msg.Nickname}, msg.Channel)
	}
}

func (c *Client) addUser(u User) {
	c.mu.Lock()
	c.users[u.UserID] = u
	c.nickToID[u.Nickname] = u.UserID
	c.mu.Unlock()
}

func (c *Client) nicknameFor(userID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if u, ok := c.users[userID]; ok {
		return u.Nickname
	}
	return userID
}

func (c *Client) emitSystem(text string) {
	if c.callbacks.OnSystem != nil {
		c.callbacks.OnSystem(text)
	}
}
