package client

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrQuit is returned by HandleInput for /quit so the caller can end its
// input loop.
var ErrQuit = errors.New("client: quit")

// HandleInput interprets one line of user input. Lines starting with a
// slash are commands; anything else is sent to the current channel.
func (c *Client) HandleInput(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		channel := c.CurrentChannel()
		if channel == "" {
			return errors.New("client: join a channel first, or use /msg <nick> <text>")
		}
		return c.SendChannelMessage(channel, line)
	}

	fields := strings.Fields(line)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/msg":
		if len(args) < 2 {
			return errors.New("usage: /msg <nick> <text>")
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		text = strings.TrimSpace(strings.TrimPrefix(text, args[0]))
		return c.SendPrivateMessage(args[0], text)

	case "/join":
		if len(args) < 1 {
			return errors.New("usage: /join <#channel> [join_password] [creator_password]")
		}
		var joinPW, creatorPW string
		if len(args) > 1 {
			joinPW = args[1]
		}
		if len(args) > 2 {
			creatorPW = args[2]
		}
		return c.JoinChannel(args[0], joinPW, creatorPW)

	case "/leave":
		channel := c.CurrentChannel()
		if len(args) > 0 {
			channel = args[0]
		}
		if channel == "" {
			return errors.New("usage: /leave [#channel]")
		}
		return c.LeaveChannel(channel)

	case "/topic":
		channel := c.CurrentChannel()
		if channel == "" {
			return errors.New("client: join a channel first")
		}
		topic := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))
		return c.SetTopic(channel, topic)

	case "/op":
		if len(args) < 2 {
			return errors.New("usage: /op <nick> <op_password>")
		}
		channel := c.CurrentChannel()
		if channel == "" {
			return errors.New("client: join a channel first")
		}
		return c.OpUser(channel, args[0], args[1])

	case "/kick":
		if len(args) < 1 {
			return errors.New("usage: /kick <nick> [reason]")
		}
		channel := c.CurrentChannel()
		if channel == "" {
			return errors.New("client: join a channel first")
		}
		reason := strings.Join(args[1:], " ")
		return c.KickUser(channel, args[0], reason, 0)

	case "/ban":
		if len(args) < 1 {
			return errors.New("usage: /ban <nick>")
		}
		channel := c.CurrentChannel()
		if channel == "" {
			return errors.New("client: join a channel first")
		}
		return c.BanUser(channel, args[0])

	case "/unban":
		if len(args) < 1 {
			return errors.New("usage: /unban <nick>")
		}
		channel := c.CurrentChannel()
		if channel == "" {
			return errors.New("client: join a channel first")
		}
		return c.UnbanUser(channel, args[0])

	case "/rekey":
		if len(args) < 1 {
			return errors.New("usage: /rekey <nick>")
		}
		return c.RekeyWith(args[0])

	case "/image", "/file":
		if len(args) < 2 {
			return errors.New("usage: /image <nick> <path>")
		}
		go func(nick, path string) {
			if err := c.SendFile(nick, path); err != nil {
				c.emitSystem(fmt.Sprintf("file transfer failed: %v", err))
			}
		}(args[0], args[1])
		return nil

	case "/list":
		users := c.Users()
		names := make([]string, 0, len(users))
		for _, u := range users {
			names = append(names, u.Nickname)
		}
		c.emitSystem(fmt.Sprintf("online: %s", strings.Join(names, ", ")))
		return nil

	case "/quit":
		c.Close()
		return ErrQuit

	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// KickFor kicks with a rejoin timeout, for presenters that expose timed
// kicks directly.
func (c *Client) KickFor(channel, nickname, reason string, d time.Duration) error {
	return c.KickUser(channel, nickname, reason, d)
}
