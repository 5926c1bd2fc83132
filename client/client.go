// Package client holds the client-side session state and exposes the
// operations the menu shell calls into: connect, list, send, retrieve,
// disconnect. Every request goes through the reliable send engine; a
// delivery failure is surfaced as the operation's outcome, never retried
// here.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"udpim/logger"
	"udpim/models"
	"udpim/protocol"
	"udpim/reliable"
)

var (
	ErrUsernameTaken    = errors.New("username taken")
	ErrUnknownRecipient = errors.New("no such user")
	ErrNotConnected     = errors.New("not connected")
	ErrBadReply         = errors.New("malformed reply from server")
)

type Config struct {
	ServerAddr  string
	SessionPath string
	MaxRetries  int
	AckTimeout  time.Duration
}

type Client struct {
	conn    net.PacketConn
	server  net.Addr
	engine  *reliable.Engine
	store   *SessionStore
	session *models.SessionRecord
}

// New opens an ephemeral UDP socket and loads any persisted Session Record.
func New(cfg *Config) (*Client, error) {
	server, err := net.ResolveUDPAddr("udp", cfg.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve server address: %w", err)
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, err
	}

	store := NewSessionStore(cfg.SessionPath)
	session, err := store.Load()
	if err != nil {
		// A corrupt session file is not fatal, just unusable.
		logger.WarnF("Ignoring unreadable session record: %v", err)
		session = nil
	}

	return &Client{
		conn:    conn,
		server:  server,
		engine:  reliable.New(conn, cfg.MaxRetries, cfg.AckTimeout),
		store:   store,
		session: session,
	}, nil
}

// Resume reports whether a persisted session was loaded; if so the caller
// may skip the connect step entirely.
func (c *Client) Resume() bool {
	return c.session != nil
}

func (c *Client) Username() string {
	if c.session == nil {
		return ""
	}
	return c.session.Username
}

func (c *Client) FirstName() string {
	if c.session == nil {
		return ""
	}
	return c.session.FirstName
}

// Connect registers the identity with the directory. On success the
// Session Record (including the server-issued resume token) is persisted.
// A username-taken rejection invalidates any stored record for that name.
func (c *Client) Connect(ctx context.Context, username, firstName string) error {
	token := ""
	if c.session != nil && c.session.Username == username {
		token = c.session.Token
	}

	reply, err := c.engine.Send(ctx, protocol.New(protocol.KindConnect, username, firstName, token), c.server)
	if err != nil {
		return err
	}

	switch reply.Kind {
	case protocol.KindConnectAck:
		if len(reply.Fields) < 2 {
			return ErrBadReply
		}
		if issued := reply.Fields[1]; issued != "" {
			token = issued
		}
		c.session = &models.SessionRecord{
			Username:   username,
			FirstName:  firstName,
			ServerAddr: c.server.String(),
			Token:      token,
			LastLogin:  time.Now().UTC(),
		}
		if err := c.store.Save(c.session); err != nil {
			logger.WarnF("Failed to persist session record: %v", err)
		}
		return nil

	case protocol.KindFail:
		err := failErr(reply)
		if errors.Is(err, ErrUsernameTaken) && token != "" {
			// The stored identity no longer owns the name.
			c.session = nil
			c.store.Clear()
		}
		return err

	default:
		return ErrBadReply
	}
}

// ListUsers returns the online directory entries.
func (c *Client) ListUsers(ctx context.Context) ([]models.UserInfo, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}

	reply, err := c.engine.Send(ctx, protocol.New(protocol.KindList, c.session.Username), c.server)
	if err != nil {
		return nil, err
	}

	switch reply.Kind {
	case protocol.KindUsers:
		if len(reply.Fields)%2 != 0 {
			return nil, ErrBadReply
		}
		users := make([]models.UserInfo, 0, len(reply.Fields)/2)
		for i := 0; i+1 < len(reply.Fields); i += 2 {
			users = append(users, models.UserInfo{
				Username:  reply.Fields[i],
				FirstName: reply.Fields[i+1],
			})
		}
		return users, nil
	case protocol.KindFail:
		return nil, failErr(reply)
	default:
		return nil, ErrBadReply
	}
}

// SendMessage queues body in the recipient's server-side mailbox.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	if c.session == nil {
		return ErrNotConnected
	}

	reply, err := c.engine.Send(ctx, protocol.New(protocol.KindSend, c.session.Username, to, body), c.server)
	if err != nil {
		return err
	}

	switch reply.Kind {
	case protocol.KindSendAck:
		return nil
	case protocol.KindFail:
		return failErr(reply)
	default:
		return ErrBadReply
	}
}

// RetrieveMessages drains the local user's mailbox. An empty mailbox is an
// empty slice, not an error.
func (c *Client) RetrieveMessages(ctx context.Context) ([]models.InboxMessage, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}

	reply, err := c.engine.Send(ctx, protocol.New(protocol.KindRetrieve, c.session.Username), c.server)
	if err != nil {
		return nil, err
	}

	switch reply.Kind {
	case protocol.KindInbox:
		if len(reply.Fields)%3 != 0 {
			return nil, ErrBadReply
		}
		messages := make([]models.InboxMessage, 0, len(reply.Fields)/3)
		for i := 0; i+2 < len(reply.Fields); i += 3 {
			sentAt, _ := time.Parse(time.RFC3339, reply.Fields[i+2])
			messages = append(messages, models.InboxMessage{
				Sender: reply.Fields[i],
				Body:   reply.Fields[i+1],
				SentAt: sentAt,
			})
		}
		return messages, nil
	case protocol.KindFail:
		return nil, failErr(reply)
	default:
		return nil, ErrBadReply
	}
}

// Disconnect sends a single best-effort bye datagram (fire-and-forget, not
// reliable) and closes the socket. The Session Record stays on disk for the
// next run.
func (c *Client) Disconnect() error {
	if c.session != nil {
		notice := protocol.New(protocol.KindBye, c.session.Username)
		if _, err := c.conn.WriteTo(protocol.Encode(notice), c.server); err != nil {
			logger.DebugF("Disconnect notice not sent: %v", err)
		}
	}
	return c.conn.Close()
}

// failErr maps a fail reply to the client's typed errors.
func failErr(reply *protocol.Message) error {
	code := reply.Fields[0]
	description := reply.Fields[1]

	switch code {
	case protocol.FailUsernameTaken:
		return ErrUsernameTaken
	case protocol.FailUnknownRecipient:
		return ErrUnknownRecipient
	default:
		return fmt.Errorf("server error (%s): %s", code, description)
	}
}
