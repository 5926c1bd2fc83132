// Package reliable implements retry-until-acknowledged sends on top of an
// unreliable packet connection. A reply is accepted only when both its
// correlation id and its source address match the request, so late or
// foreign datagrams are discarded. Retransmissions reuse the identical
// payload, letting the receiver deduplicate by correlation id.
package reliable

import (
	"context"
	"errors"
	"net"
	"time"

	"udpim/protocol"
)

var ErrDeliveryFailed = errors.New("delivery failed: retry budget exhausted")

const maxDatagram = 64 * 1024

// Engine performs reliable sends over conn. It keeps at most one send in
// flight and is not safe for concurrent use; callers needing concurrent
// logical operations use one Engine per operation.
type Engine struct {
	conn       net.PacketConn
	maxRetries int
	timeout    time.Duration
	buf        []byte
}

func New(conn net.PacketConn, maxRetries int, timeout time.Duration) *Engine {
	return &Engine{
		conn:       conn,
		maxRetries: maxRetries,
		timeout:    timeout,
		buf:        make([]byte, maxDatagram),
	}
}

// Send transmits msg to dest and waits for the matching reply. On timeout
// the identical payload is retransmitted; after maxRetries consecutive
// timeouts beyond the first attempt the result is ErrDeliveryFailed. A
// matching reply (including a fail reply) returns immediately. Cancelling
// ctx aborts the wait and returns the context error.
func (e *Engine) Send(ctx context.Context, msg *protocol.Message, dest net.Addr) (*protocol.Message, error) {
	payload := protocol.Encode(msg)

	// Force any blocked read to return as soon as ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		e.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := e.conn.WriteTo(payload, dest); err != nil {
			return nil, err
		}

		reply, err := e.awaitReply(ctx, msg.ID, dest, time.Now().Add(e.timeout))
		if err == nil {
			return reply, nil
		}
		if !errors.Is(err, errAttemptTimeout) {
			return nil, err
		}
		// Timeout: fall through to the next retransmission.
	}

	return nil, ErrDeliveryFailed
}

var errAttemptTimeout = errors.New("attempt timed out")

// awaitReply reads until deadline, discarding datagrams that are not the
// acknowledgment for the given correlation id from the given peer.
func (e *Engine) awaitReply(ctx context.Context, id string, dest net.Addr, deadline time.Time) (*protocol.Message, error) {
	for {
		if err := e.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}

		n, from, err := e.conn.ReadFrom(e.buf)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, errAttemptTimeout
			}
			return nil, err
		}

		if from.String() != dest.String() {
			continue
		}

		reply, derr := protocol.Decode(e.buf[:n])
		if derr != nil {
			// Malformed datagram from the peer, drop it.
			continue
		}
		if reply.ID != id {
			// Stale acknowledgment from an earlier attempt or operation.
			continue
		}

		return reply, nil
	}
}
