package models

import "time"

type User struct {
	Username  string
	FirstName string
	Addr      string // last known host:port the user sent from
	Online    bool
	LastSeen  time.Time
}

// UserInfo is the directory listing entry returned by list.
type UserInfo struct {
	Username  string
	FirstName string
}

// Message is one undelivered mailbox entry.
type Message struct {
	ID        int64
	Recipient string
	Sender    string
	Body      string
	SentAt    time.Time
}

// InboxMessage is what a mailbox drain hands back to the caller.
type InboxMessage struct {
	Sender string
	Body   string
	SentAt time.Time
}

// SessionRecord is the client-local persisted identity. Token is the
// server-issued resume token proving ownership of the username.
type SessionRecord struct {
	Username   string    `json:"username"`
	FirstName  string    `json:"first_name"`
	ServerAddr string    `json:"server_addr"`
	Token      string    `json:"token"`
	LastLogin  time.Time `json:"last_login"`
}
