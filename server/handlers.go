package server

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/larry-lines/justIRC/protocol"
)

// registerHandlers wires the dispatch table. Frame payloads carrying
// encrypted_data or nonce pass through the routing handlers untouched.
func (s *Server) registerHandlers() {
	s.handlers = map[string]handlerFunc{
		protocol.TypeRegister:   s.handleRegister,
		protocol.TypeDisconnect: s.handleDisconnect,

		protocol.TypeAuthRequest:    s.handleAuthRequest,
		protocol.TypeCreateAccount:  s.handleCreateAccount,
		protocol.TypeChangePassword: s.handleChangePassword,

		protocol.TypePublicKeyRequest: s.handlePublicKeyRequest,
		protocol.TypeKeyExchange:      s.handleKeyExchange,
		protocol.TypeRekeyRequest:     s.routeToPeer,
		protocol.TypeRekeyResponse:    s.routeToPeer,

		protocol.TypePrivateMessage: s.handlePrivateMessage,
		protocol.TypeChannelMessage: s.handleChannelMessage,

		protocol.TypeJoinChannel:  s.handleJoinChannel,
		protocol.TypeLeaveChannel: s.handleLeaveChannel,
		protocol.TypeSetTopic:     s.handleSetTopic,
		protocol.TypeOpUser:       s.handleOpUser,
		protocol.TypeKickUser:     s.handleKickUser,
		protocol.TypeBanUser:      s.handleBanUser,
		protocol.TypeUnbanUser:    s.handleUnbanUser,

		protocol.TypeImageStart: s.handleImageFrame,
		protocol.TypeImageChunk: s.handleImageChunk,
		protocol.TypeImageEnd:   s.handleImageFrame,
	}
}

// requireActive rejects frames from connections that have not completed
// registration.
func (s *Server) requireActive(c *Client) bool {
	if c.State() != StateActive {
		c.sendError(protocol.KindNotAuthorized, "not registered")
		return false
	}
	return true
}

func (s *Server) handleRegister(c *Client, msg *protocol.Message) {
	if c.State() == StateActive {
		c.sendError(protocol.KindNotAuthorized, "already registered")
		return
	}
	if err := protocol.ValidateNickname(msg.Nickname); err != nil {
		c.sendError(protocol.KindNicknameInvalid, err.Error())
		return
	}
	if msg.PublicKey == "" {
		c.sendError(protocol.KindMalformedFrame, "missing public_key")
		c.close()
		return
	}

	var account string
	if s.config.Auth.Required {
		if s.auth == nil {
			c.sendError(protocol.KindAuthRequired, "authentication unavailable")
			return
		}
		username, ok := s.auth.VerifySession(msg.SessionToken)
		if !ok {
			c.sendError(protocol.KindAuthRequired, "valid session token required")
			return
		}
		account = username
	}

	c.mu.Lock()
	c.nickname = msg.Nickname
	c.publicKey = msg.PublicKey
	c.account = account
	c.mu.Unlock()

	if err := s.sessions.Register(c); err != nil {
		c.mu.Lock()
		c.nickname = ""
		c.publicKey = ""
		c.mu.Unlock()
		switch {
		case errors.Is(err, ErrNicknameTaken):
			c.sendError(protocol.KindNicknameTaken, fmt.Sprintf("nickname %s already taken", msg.Nickname))
		case errors.Is(err, ErrUserLimitReached):
			c.sendError(protocol.KindUserLimitReached, "server is full")
		default:
			c.sendError(protocol.KindNotAuthorized, err.Error())
		}
		return
	}

	c.setState(StateActive)
	slog.Info("client registered", "user_id", c.userID, "nickname", msg.Nickname)

	ack := protocol.NewAck(true, fmt.Sprintf("Welcome %s!", msg.Nickname))
	ack.UserID = c.userID
	ack.Description = s.config.Server.Description
	c.Send(ack)

	// Snapshot of everyone online, then announce the newcomer. Only the
	// nickname and public key travel; the server adds nothing else.
	list := protocol.New(protocol.TypeUserList)
	list.Users = s.sessions.Snapshot()
	c.Send(list)

	joined := protocol.New(protocol.TypeUserJoined)
	joined.UserID = c.userID
	joined.Nickname = msg.Nickname
	joined.PublicKey = msg.PublicKey
	s.sessions.Each(func(other *Client) {
		if other.userID != c.userID {
			other.Send(joined)
		}
	})
}

func (s *Server) handleDisconnect(c *Client, msg *protocol.Message) {
	c.close()
}

func (s *Server) handleAuthRequest(c *Client, msg *protocol.Message) {
	if s.auth == nil {
		c.sendError(protocol.KindAuthRequired, "authentication is not enabled")
		return
	}
	token, err := s.auth.Authenticate(msg.Username, msg.Password)
	resp := protocol.New(protocol.TypeAuthResponse)
	if err != nil {
		resp.Success = protocol.Bool(false)
		switch {
		case errors.Is(err, ErrAccountLocked):
			resp.Kind = string(protocol.KindAccountLocked)
			resp.Info = "account locked, try again later"
		default:
			resp.Kind = string(protocol.KindInvalidCredentials)
			resp.Info = "invalid credentials"
		}
		c.Send(resp)
		return
	}

	resp.Success = protocol.Bool(true)
	resp.SessionToken = token
	c.Send(resp)

	if c.State() == StateAwaitingAuth {
		c.setState(StateHandshaking)
	}
}

func (s *Server) handleCreateAccount(c *Client, msg *protocol.Message) {
	if s.auth == nil {
		c.sendError(protocol.KindAuthRequired, "authentication is not enabled")
		return
	}
	if err := s.auth.CreateAccount(msg.Username, msg.Password, msg.Email); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			c.sendError(protocol.KindInvalidCredentials, "username already taken")
		} else {
			c.sendError(protocol.KindInvalidCredentials, err.Error())
		}
		return
	}
	c.Send(protocol.NewAck(true, fmt.Sprintf("account %s created", msg.Username)))
}

func (s *Server) handleChangePassword(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if s.auth == nil || c.Account() == "" {
		c.sendError(protocol.KindAuthRequired, "not authenticated")
		return
	}
	if err := s.auth.ChangePassword(c.Account(), msg.OldPassword, msg.NewPassword); err != nil {
		c.sendError(protocol.KindInvalidCredentials, "password change failed")
		return
	}
	c.Send(protocol.NewAck(true, "password changed"))
}

func (s *Server) handlePublicKeyRequest(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	target, ok := s.sessions.GetByNickname(msg.TargetNickname)
	if !ok {
		c.sendError(protocol.KindUserNotFound, fmt.Sprintf("user %s not found", msg.TargetNickname))
		return
	}
	resp := protocol.New(protocol.TypePublicKeyResponse)
	resp.UserID = target.UserID()
	resp.Nickname = target.Nickname()
	resp.PublicKey = target.PublicKey()
	c.Send(resp)
}

// handleKeyExchange relays an encrypted payload (typically a channel key
// wrapped for the recipient) without touching it.
func (s *Server) handleKeyExchange(c *Client, msg *protocol.Message) {
	s.routeToPeer(c, msg)
}

// routeToPeer forwards a frame to its to_id unchanged, rewriting only
// the canonical from_id. encrypted_data and nonce are never inspected.
func (s *Server) routeToPeer(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	target, ok := s.sessions.GetByID(msg.ToID)
	if !ok {
		c.sendError(protocol.KindUserNotFound, fmt.Sprintf("user %s not found", msg.ToID))
		return
	}
	msg.FromID = c.userID
	target.Send(msg)
	s.metrics.RoutedFrames.WithLabelValues(msg.Type).Inc()
}

func (s *Server) handlePrivateMessage(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if ok, retry := s.limiter.Allow(c.userID, BucketMessage); !ok {
		s.metrics.RateLimitDenials.WithLabelValues(string(BucketMessage)).Inc()
		c.sendRateLimited(retry)
		return
	}
	s.routeToPeer(c, msg)
}

func (s *Server) handleChannelMessage(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	channel := msg.ToID
	if channel == "" {
		channel = msg.Channel
	}
	if !s.channels.IsMember(c.userID, channel) {
		c.sendError(protocol.KindNotInChannel, fmt.Sprintf("you are not in %s", channel))
		return
	}
	if ok, retry := s.limiter.Allow(c.userID, BucketMessage); !ok {
		s.metrics.RateLimitDenials.WithLabelValues(string(BucketMessage)).Inc()
		c.sendRateLimited(retry)
		return
	}
	msg.FromID = c.userID
	s.broadcastToChannel(channel, msg, c.userID)
	s.metrics.RoutedFrames.WithLabelValues(msg.Type).Inc()
}

func (s *Server) handleJoinChannel(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if err := protocol.ValidateChannelName(msg.Channel); err != nil {
		c.sendError(protocol.KindChannelNotFound, err.Error())
		return
	}

	res, err := s.channels.CreateOrJoin(c.userID, c.Nickname(), msg.Channel, msg.Password, msg.CreatorPassword)
	if err != nil {
		switch {
		case errors.Is(err, ErrBannedFromChannel):
			c.sendError(protocol.KindBannedFromChannel, fmt.Sprintf("you are banned from %s", msg.Channel))
		case errors.Is(err, ErrKickedFromChannel):
			c.sendError(protocol.KindBannedFromChannel, fmt.Sprintf("you were kicked from %s, rejoin later", msg.Channel))
		case errors.Is(err, ErrWrongChannelPassword):
			c.sendError(protocol.KindWrongChannelPassword, "incorrect channel password")
		case errors.Is(err, ErrWrongCreatorPassword):
			c.sendError(protocol.KindWrongCreatorPassword, "incorrect creator password")
		case errors.Is(err, ErrCreatorPasswordRequired):
			c.sendError(protocol.KindWrongCreatorPassword,
				"creating a new channel requires a creator password (4+ characters)")
		case errors.Is(err, ErrChannelLimitReached):
			c.sendError(protocol.KindChannelLimitReached, "channel limit reached")
		default:
			c.sendError(protocol.KindChannelNotFound, err.Error())
		}
		return
	}

	c.addChannel(msg.Channel)
	slog.Info("channel join", "channel", msg.Channel, "nickname", c.Nickname(), "operator", res.IsOperator, "created", res.Created)

	ack := protocol.NewAck(true, fmt.Sprintf("joined %s", msg.Channel))
	ack.Channel = msg.Channel
	ack.Topic = res.Topic
	ack.IsOperator = protocol.Bool(res.IsOperator)
	ack.IsProtected = protocol.Bool(res.Protected)
	ack.Members = s.memberInfos(res)
	c.Send(ack)

	// Existing members learn about the joiner, including the public key
	// so they can wrap the channel key for them.
	joined := protocol.New(protocol.TypeUserJoined)
	joined.Channel = msg.Channel
	joined.UserID = c.userID
	joined.Nickname = c.Nickname()
	joined.PublicKey = c.PublicKey()
	s.broadcastToChannel(msg.Channel, joined, c.userID)
}

func (s *Server) memberInfos(res *JoinResult) []protocol.UserInfo {
	infos := make([]protocol.UserInfo, 0, len(res.MemberIDs))
	for _, id := range res.MemberIDs {
		member, ok := s.sessions.GetByID(id)
		if !ok {
			continue
		}
		infos = append(infos, protocol.UserInfo{
			UserID:     id,
			Nickname:   member.Nickname(),
			PublicKey:  member.PublicKey(),
			IsOperator: res.Operators[id],
		})
	}
	return infos
}

func (s *Server) handleLeaveChannel(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if err := s.channels.Leave(c.userID, msg.Channel); err != nil {
		c.sendError(protocol.KindNotInChannel, fmt.Sprintf("you are not in %s", msg.Channel))
		return
	}
	c.removeChannel(msg.Channel)
	c.Send(protocol.NewAck(true, fmt.Sprintf("left %s", msg.Channel)))

	left := protocol.New(protocol.TypeUserLeft)
	left.Channel = msg.Channel
	left.UserID = c.userID
	left.Nickname = c.Nickname()
	s.broadcastToChannel(msg.Channel, left, c.userID)
}

func (s *Server) handleSetTopic(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if err := protocol.ValidateTopic(msg.Topic); err != nil {
		c.sendError(protocol.KindNotAuthorized, err.Error())
		return
	}
	if err := s.channels.SetTopic(c.userID, msg.Channel, msg.Topic); err != nil {
		s.sendChannelError(c, msg.Channel, err)
		return
	}
	c.Send(protocol.NewAck(true, fmt.Sprintf("topic set for %s", msg.Channel)))

	note := protocol.New(protocol.TypeSetTopic)
	note.Channel = msg.Channel
	note.Topic = msg.Topic
	note.SetBy = c.Nickname()
	s.broadcastToChannel(msg.Channel, note, c.userID)
}

func (s *Server) handleOpUser(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if len(msg.Password) < protocol.MinCreatorPasswordLength {
		c.sendError(protocol.KindNotAuthorized, "operator password must be at least 4 characters")
		return
	}
	target, ok := s.sessions.GetByNickname(msg.TargetNickname)
	if !ok {
		c.sendError(protocol.KindUserNotFound, fmt.Sprintf("user %s not found", msg.TargetNickname))
		return
	}
	if err := s.channels.OpUser(c.userID, msg.Channel, target.UserID(), msg.TargetNickname, msg.Password); err != nil {
		s.sendChannelError(c, msg.Channel, err)
		return
	}
	c.Send(protocol.NewAck(true, fmt.Sprintf("%s is now an operator in %s", msg.TargetNickname, msg.Channel)))

	note := protocol.New(protocol.TypeOpUser)
	note.Channel = msg.Channel
	note.UserID = target.UserID()
	note.Nickname = msg.TargetNickname
	note.GrantedBy = c.Nickname()
	s.broadcastToChannel(msg.Channel, note, c.userID)
}

func (s *Server) handleKickUser(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	target, ok := s.sessions.GetByNickname(msg.TargetNickname)
	if !ok {
		c.sendError(protocol.KindUserNotFound, fmt.Sprintf("user %s not found", msg.TargetNickname))
		return
	}
	if target.UserID() == c.userID {
		c.sendError(protocol.KindNotAuthorized, "you cannot kick yourself")
		return
	}
	duration := time.Duration(msg.Duration) * time.Second
	if err := s.channels.Kick(c.userID, msg.Channel, target.UserID(), msg.TargetNickname, duration); err != nil {
		s.sendChannelError(c, msg.Channel, err)
		return
	}
	target.removeChannel(msg.Channel)

	reason := msg.Reason
	if reason == "" {
		reason = "no reason given"
	}
	c.Send(protocol.NewAck(true, fmt.Sprintf("%s has been kicked from %s", msg.TargetNickname, msg.Channel)))

	kicked := protocol.New(protocol.TypeKickUser)
	kicked.Channel = msg.Channel
	kicked.KickedBy = c.Nickname()
	kicked.Reason = reason
	target.Send(kicked)

	note := protocol.New(protocol.TypeUserLeft)
	note.Channel = msg.Channel
	note.UserID = target.UserID()
	note.Nickname = msg.TargetNickname
	note.Reason = reason
	s.broadcastToChannel(msg.Channel, note, c.userID)
}

func (s *Server) handleBanUser(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	var targetID string
	if target, ok := s.sessions.GetByNickname(msg.TargetNickname); ok {
		targetID = target.UserID()
	}
	if err := s.channels.Ban(c.userID, msg.Channel, targetID, msg.TargetNickname); err != nil {
		s.sendChannelError(c, msg.Channel, err)
		return
	}
	if target, ok := s.sessions.GetByNickname(msg.TargetNickname); ok {
		target.removeChannel(msg.Channel)
		banned := protocol.New(protocol.TypeBanUser)
		banned.Channel = msg.Channel
		banned.KickedBy = c.Nickname()
		target.Send(banned)

		note := protocol.New(protocol.TypeUserLeft)
		note.Channel = msg.Channel
		note.UserID = target.UserID()
		note.Nickname = msg.TargetNickname
		note.Reason = "banned"
		s.broadcastToChannel(msg.Channel, note, c.userID)
	}
	c.Send(protocol.NewAck(true, fmt.Sprintf("%s is banned from %s", msg.TargetNickname, msg.Channel)))
}

func (s *Server) handleUnbanUser(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if err := s.channels.Unban(c.userID, msg.Channel, msg.TargetNickname); err != nil {
		s.sendChannelError(c, msg.Channel, err)
		return
	}
	c.Send(protocol.NewAck(true, fmt.Sprintf("%s is no longer banned from %s", msg.TargetNickname, msg.Channel)))
}

// handleImageFrame routes image_start and image_end frames. Chunks get
// their own handler because of the separate rate budget.
func (s *Server) handleImageFrame(c *Client, msg *protocol.Message) {
	s.routeToPeer(c, msg)
}

func (s *Server) handleImageChunk(c *Client, msg *protocol.Message) {
	if !s.requireActive(c) {
		return
	}
	if ok, retry := s.limiter.Allow(c.userID, BucketImageChunk); !ok {
		s.metrics.RateLimitDenials.WithLabelValues(string(BucketImageChunk)).Inc()
		c.sendRateLimited(retry)
		return
	}
	s.routeToPeer(c, msg)
}

// sendChannelError maps registry errors to wire error kinds.
func (s *Server) sendChannelError(c *Client, channel string, err error) {
	switch {
	case errors.Is(err, ErrChannelNotFound):
		c.sendError(protocol.KindChannelNotFound, fmt.Sprintf("channel %s does not exist", channel))
	case errors.Is(err, ErrNotInChannel):
		c.sendError(protocol.KindNotInChannel, fmt.Sprintf("not in channel %s", channel))
	case errors.Is(err, ErrNotOperator):
		c.sendError(protocol.KindNotOperator, "you are not an operator in this channel")
	default:
		c.sendError(protocol.KindNotAuthorized, err.Error())
	}
}
