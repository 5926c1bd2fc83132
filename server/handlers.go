package server

import (
	"net"
	"time"

	"udpim/db"
	"udpim/logger"
	"udpim/protocol"
)

// handle runs the state machine for one decoded request and returns the
// single reply to transmit.
func (s *Server) handle(msg *protocol.Message, addr net.Addr) *protocol.Message {
	switch msg.Kind {
	case protocol.KindConnect:
		return s.handleConnect(msg, addr)
	case protocol.KindList:
		return s.handleList(msg, addr)
	case protocol.KindSend:
		return s.handleSend(msg, addr)
	case protocol.KindRetrieve:
		return s.handleRetrieve(msg, addr)
	case protocol.KindBye:
		return s.handleBye(msg, addr)
	default:
		// Server-bound traffic only; reply kinds arriving here are a
		// confused or hostile peer.
		return protocol.Reply(msg, protocol.KindFail, protocol.FailBadRequest, "unexpected packet type")
	}
}

// handleConnect registers or resumes a user. The first registration of a
// username returns a resume token; presenting it later proves ownership,
// so a live registration can only be moved to a new address by its owner.
// An offline username may be re-claimed without the token, which rotates it.
func (s *Server) handleConnect(msg *protocol.Message, addr net.Addr) *protocol.Message {
	username := msg.Fields[0]
	firstName := msg.Fields[1]
	token := msg.Fields[2]

	if username == "" || firstName == "" {
		return protocol.Reply(msg, protocol.KindFail, protocol.FailBadRequest, "username and first name required")
	}

	now := time.Now()
	user, err := s.db.GetUser(username)
	if err != nil && err != db.ErrNoRows {
		logger.ErrorF("Connect lookup for %q failed: %v", username, err)
		return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
	}

	if user == nil {
		// Fresh registration.
		issued := protocol.NewID()
		if err := s.db.CreateUser(username, firstName, addr.String(), issued, now); err != nil {
			logger.ErrorF("Connect create for %q failed: %v", username, err)
			return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
		}
		logger.InfoF("User %q connected from %s", username, addr)
		return protocol.Reply(msg, protocol.KindConnectAck, username, issued)
	}

	ownsName := false
	if token != "" {
		ownsName, err = s.db.VerifyToken(username, token)
		if err != nil {
			logger.ErrorF("Connect token check for %q failed: %v", username, err)
			return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
		}
	}

	if user.Online && user.Addr != addr.String() && !ownsName {
		// Live registration elsewhere, leave it untouched.
		logger.WarnF("Connect for %q from %s refused: name held by %s", username, addr, user.Addr)
		return protocol.Reply(msg, protocol.KindFail, protocol.FailUsernameTaken, "username taken")
	}

	issued := ""
	if !ownsName {
		// Re-claim of an offline name: rotate the token so the previous
		// holder's session record stops working.
		issued = protocol.NewID()
		if err := s.db.ReplaceToken(username, issued); err != nil {
			logger.ErrorF("Connect token rotate for %q failed: %v", username, err)
			return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
		}
	}

	if err := s.db.UpdateAddress(username, firstName, addr.String(), now); err != nil {
		logger.ErrorF("Connect update for %q failed: %v", username, err)
		return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
	}

	logger.InfoF("User %q reconnected from %s", username, addr)
	return protocol.Reply(msg, protocol.KindConnectAck, username, issued)
}

// handleList replies with every online user, ordered by username. The
// requester is included.
func (s *Server) handleList(msg *protocol.Message, addr net.Addr) *protocol.Message {
	s.touch(msg.Fields[0], addr)

	users, err := s.db.ListOnline()
	if err != nil {
		logger.ErrorF("List query failed: %v", err)
		return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
	}

	fields := make([]string, 0, len(users)*2)
	for _, u := range users {
		fields = append(fields, u.Username, u.FirstName)
	}

	return protocol.Reply(msg, protocol.KindUsers, fields...)
}

// handleSend appends a message to the recipient's mailbox. Duplicate
// suppression in handleDatagram keeps this at-most-once per correlation id.
func (s *Server) handleSend(msg *protocol.Message, addr net.Addr) *protocol.Message {
	sender := msg.Fields[0]
	recipient := msg.Fields[1]
	body := msg.Fields[2]

	if sender == "" || recipient == "" {
		return protocol.Reply(msg, protocol.KindFail, protocol.FailBadRequest, "sender and recipient required")
	}

	s.touch(sender, addr)

	exists, err := s.db.UserExists(recipient)
	if err != nil {
		logger.ErrorF("Send lookup for %q failed: %v", recipient, err)
		return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
	}
	if !exists {
		return protocol.Reply(msg, protocol.KindFail, protocol.FailUnknownRecipient, "no such user")
	}

	if err := s.db.AppendMessage(recipient, sender, body, time.Now()); err != nil {
		logger.ErrorF("Send append for %q failed: %v", recipient, err)
		return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
	}

	logger.DebugF("Queued message %s -> %s (%d bytes)", sender, recipient, len(body))
	return protocol.Reply(msg, protocol.KindSendAck)
}

// handleRetrieve drains the requester's mailbox. Empty mailboxes drain to
// an empty inbox, not an error.
func (s *Server) handleRetrieve(msg *protocol.Message, addr net.Addr) *protocol.Message {
	username := msg.Fields[0]
	if username == "" {
		return protocol.Reply(msg, protocol.KindFail, protocol.FailBadRequest, "username required")
	}

	s.touch(username, addr)

	messages, err := s.db.DrainMailbox(username)
	if err != nil {
		logger.ErrorF("Retrieve drain for %q failed: %v", username, err)
		return protocol.Reply(msg, protocol.KindFail, protocol.FailInternal, "internal error")
	}

	fields := make([]string, 0, len(messages)*3)
	for _, m := range messages {
		fields = append(fields, m.Sender, m.Body, m.SentAt.UTC().Format(time.RFC3339))
	}

	logger.DebugF("Drained %d message(s) for %q", len(messages), username)
	return protocol.Reply(msg, protocol.KindInbox, fields...)
}

// handleBye marks the user offline. The notice is fire-and-forget on the
// client side, but it is still acknowledged: a decodable request is never
// silently dropped.
func (s *Server) handleBye(msg *protocol.Message, addr net.Addr) *protocol.Message {
	username := msg.Fields[0]
	if username != "" {
		if err := s.db.SetOffline(username); err != nil {
			logger.ErrorF("Bye for %q failed: %v", username, err)
		} else {
			logger.InfoF("User %q disconnected from %s", username, addr)
		}
	}
	return protocol.Reply(msg, protocol.KindAck)
}

// touch refreshes the requester's address and liveness. Replies are keyed
// by the address a request arrived from, so the latest source address is
// authoritative for the user.
func (s *Server) touch(username string, addr net.Addr) {
	if username == "" {
		return
	}
	if err := s.db.Touch(username, addr.String(), time.Now()); err != nil {
		logger.ErrorF("Touch for %q failed: %v", username, err)
	}
}
