package protocol

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

var ErrMalformedPacket = errors.New("malformed packet")

// Kind tags one protocol message. The set is closed: Decode rejects
// anything outside it.
type Kind string

const (
	KindConnect    Kind = "connect"
	KindConnectAck Kind = "connack"
	KindList       Kind = "list"
	KindUsers      Kind = "users"
	KindSend       Kind = "send"
	KindSendAck    Kind = "sendack"
	KindRetrieve   Kind = "get"
	KindInbox      Kind = "inbox"
	KindBye        Kind = "bye"
	KindAck        Kind = "ack"
	KindFail       Kind = "fail"
)

// Fail codes carried as the first field of a fail message.
const (
	FailBadRequest       = "bad_request"
	FailUsernameTaken    = "username_taken"
	FailUnknownRecipient = "unknown_recipient"
	FailInternal         = "internal"
)

// minFields is the decode-time arity check per kind.
var minFields = map[Kind]int{
	KindConnect:    3,
	KindConnectAck: 2,
	KindList:       1,
	KindUsers:      0,
	KindSend:       3,
	KindSendAck:    0,
	KindRetrieve:   1,
	KindInbox:      0,
	KindBye:        1,
	KindAck:        0,
	KindFail:       2,
}

// Message is one protocol datagram payload: a kind tag, a correlation id
// and the kind-specific fields. The correlation id is reused verbatim on
// retransmission so receivers can deduplicate.
type Message struct {
	Kind   Kind
	ID     string
	Fields []string
}

// NewID mints a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

func New(kind Kind, fields ...string) *Message {
	return &Message{Kind: kind, ID: NewID(), Fields: fields}
}

// Reply builds a response carrying the request's correlation id.
func Reply(req *Message, kind Kind, fields ...string) *Message {
	return &Message{Kind: kind, ID: req.ID, Fields: fields}
}

// Encode serializes the message as kind|id|field1|...|fieldN with every
// part escaped. One datagram carries exactly one encoded message.
func Encode(m *Message) []byte {
	parts := make([]string, 0, 2+len(m.Fields))
	parts = append(parts, escape(string(m.Kind)), escape(m.ID))
	for _, f := range m.Fields {
		parts = append(parts, escape(f))
	}
	return []byte(strings.Join(parts, "|"))
}

// Decode parses a datagram payload. It never panics: any input that is not
// exactly one well-formed message of a known kind yields ErrMalformedPacket.
func Decode(data []byte) (*Message, error) {
	parts := splitUnescaped(string(data), '|')
	if len(parts) < 2 {
		return nil, ErrMalformedPacket
	}

	kind := Kind(unescape(parts[0]))
	min, ok := minFields[kind]
	if !ok {
		return nil, ErrMalformedPacket
	}

	id := unescape(parts[1])
	if id == "" {
		return nil, ErrMalformedPacket
	}

	var fields []string
	for _, p := range parts[2:] {
		fields = append(fields, unescape(p))
	}
	if len(fields) < min {
		return nil, ErrMalformedPacket
	}

	return &Message{Kind: kind, ID: id, Fields: fields}, nil
}

// splitUnescaped splits on the delimiter, skipping escaped occurrences.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escaped := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			escaped = false
			continue
		}

		if r == '\\' {
			escaped = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escaped := false

	for i, r := range s {
		if escaped {
			switch r {
			case '|':
				result.WriteRune('|')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// Unknown escape, keep as-is.
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escaped = false
			continue
		}

		if r == '\\' {
			if i < len(s)-1 {
				escaped = true
				continue
			}
		}

		result.WriteRune(r)
	}

	if escaped {
		result.WriteRune('\\')
	}

	return result.String()
}

func escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}
