package reliable

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"udpim/protocol"
)

// fakeNetwork is an in-memory datagram fabric: packets are delivered
// instantly and in order, and tests control loss by simply not answering.
type fakeNetwork struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{conns: make(map[string]*fakeConn)}
}

func (n *fakeNetwork) conn(addr string) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &fakeConn{
		network:    n,
		addr:       fakeAddr(addr),
		in:         make(chan datagram, 64),
		deadlineCh: make(chan struct{}),
	}
	n.conns[addr] = c
	return c
}

func (n *fakeNetwork) deliver(d datagram, to net.Addr) {
	n.mu.Lock()
	c, ok := n.conns[to.String()]
	n.mu.Unlock()
	if !ok {
		return // packet to nowhere, dropped
	}
	select {
	case c.in <- d:
	default:
	}
}

type datagram struct {
	payload []byte
	from    net.Addr
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeConn struct {
	network *fakeNetwork
	addr    fakeAddr
	in      chan datagram

	mu         sync.Mutex
	deadline   time.Time
	deadlineCh chan struct{}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		deadline := c.deadline
		changed := c.deadlineCh
		c.mu.Unlock()

		var timeout <-chan time.Time
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, nil, timeoutError{}
			}
			timer := time.NewTimer(wait)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case d := <-c.in:
			n := copy(p, d.payload)
			return n, d.from, nil
		case <-timeout:
			return 0, nil, timeoutError{}
		case <-changed:
			// Deadline moved while blocked, re-evaluate.
		}
	}
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	payload := make([]byte, len(p))
	copy(payload, p)
	c.network.deliver(datagram{payload: payload, from: c.addr}, addr)
	return len(p), nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	close(c.deadlineCh)
	c.deadlineCh = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return c.addr }
func (c *fakeConn) SetDeadline(t time.Time) error      { return c.SetReadDeadline(t) }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

// echoServer reads requests from conn and calls respond for each. respond
// returns the reply to send, or nil to simulate a lost acknowledgment.
func echoServer(conn *fakeConn, respond func(req *protocol.Message, n int) *protocol.Message) {
	buf := make([]byte, maxDatagram)
	count := 0
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		req, err := protocol.Decode(buf[:n])
		if err != nil {
			continue
		}
		count++
		if reply := respond(req, count); reply != nil {
			conn.WriteTo(protocol.Encode(reply), from)
		}
	}
}

func TestSendDelivered(t *testing.T) {
	network := newFakeNetwork()
	clientConn := network.conn("client:1")
	serverConn := network.conn("server:1")

	go echoServer(serverConn, func(req *protocol.Message, n int) *protocol.Message {
		return protocol.Reply(req, protocol.KindSendAck)
	})

	engine := New(clientConn, 3, 100*time.Millisecond)
	reply, err := engine.Send(context.Background(), protocol.New(protocol.KindSend, "alice", "bob", "hi"), serverConn.addr)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind != protocol.KindSendAck {
		t.Errorf("Expected sendack, got %s", reply.Kind)
	}
}

// TestRetryBudgetBoundary simulates N dropped acknowledgments: a budget of
// N-1 retries fails, a budget of N succeeds on the final retransmission.
func TestRetryBudgetBoundary(t *testing.T) {
	const dropped = 2

	run := func(maxRetries int) (*protocol.Message, error, int) {
		network := newFakeNetwork()
		clientConn := network.conn("client:1")
		serverConn := network.conn("server:1")

		var mu sync.Mutex
		received := 0
		go echoServer(serverConn, func(req *protocol.Message, n int) *protocol.Message {
			mu.Lock()
			received = n
			mu.Unlock()
			if n <= dropped {
				return nil
			}
			return protocol.Reply(req, protocol.KindSendAck)
		})

		engine := New(clientConn, maxRetries, 30*time.Millisecond)
		reply, err := engine.Send(context.Background(), protocol.New(protocol.KindSend, "a", "b", "x"), serverConn.addr)
		mu.Lock()
		n := received
		mu.Unlock()
		return reply, err, n
	}

	if _, err, n := run(dropped - 1); !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("maxRetries=%d: expected ErrDeliveryFailed, got %v (server saw %d)", dropped-1, err, n)
	} else if n != dropped {
		t.Errorf("maxRetries=%d: server saw %d transmissions, want %d", dropped-1, n, dropped)
	}

	if reply, err, _ := run(dropped); err != nil {
		t.Errorf("maxRetries=%d: expected delivery, got %v", dropped, err)
	} else if reply.Kind != protocol.KindSendAck {
		t.Errorf("maxRetries=%d: expected sendack, got %s", dropped, reply.Kind)
	}
}

// TestRetransmitReusesCorrelationID checks that retries replay the identical
// request rather than minting a new logical one.
func TestRetransmitReusesCorrelationID(t *testing.T) {
	network := newFakeNetwork()
	clientConn := network.conn("client:1")
	serverConn := network.conn("server:1")

	var mu sync.Mutex
	var ids []string
	go echoServer(serverConn, func(req *protocol.Message, n int) *protocol.Message {
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		if n < 3 {
			return nil
		}
		return protocol.Reply(req, protocol.KindSendAck)
	})

	engine := New(clientConn, 3, 30*time.Millisecond)
	msg := protocol.New(protocol.KindSend, "a", "b", "x")
	if _, err := engine.Send(context.Background(), msg, serverConn.addr); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ids) != 3 {
		t.Fatalf("Server saw %d transmissions, want 3", len(ids))
	}
	for _, id := range ids {
		if id != msg.ID {
			t.Errorf("Retransmission changed correlation id: %q vs %q", id, msg.ID)
		}
	}
}

// TestDelayedAckTriggersRetransmission delays the first ack past the
// timeout; the engine must retransmit, then accept whichever ack arrives.
func TestDelayedAckTriggersRetransmission(t *testing.T) {
	network := newFakeNetwork()
	clientConn := network.conn("client:1")
	serverConn := network.conn("server:1")

	var mu sync.Mutex
	received := 0
	go echoServer(serverConn, func(req *protocol.Message, n int) *protocol.Message {
		mu.Lock()
		received = n
		mu.Unlock()
		if n == 1 {
			time.Sleep(80 * time.Millisecond) // past the engine timeout
		}
		return protocol.Reply(req, protocol.KindSendAck)
	})

	engine := New(clientConn, 3, 50*time.Millisecond)
	reply, err := engine.Send(context.Background(), protocol.New(protocol.KindSend, "a", "b", "x"), serverConn.addr)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind != protocol.KindSendAck {
		t.Errorf("Expected sendack, got %s", reply.Kind)
	}

	mu.Lock()
	n := received
	mu.Unlock()
	if n < 2 {
		t.Errorf("Server saw %d transmissions, expected a retransmission", n)
	}
}

func TestIgnoresMismatchedCorrelationID(t *testing.T) {
	network := newFakeNetwork()
	clientConn := network.conn("client:1")
	serverConn := network.conn("server:1")

	go echoServer(serverConn, func(req *protocol.Message, n int) *protocol.Message {
		// Inject a stale ack first, then the real one.
		stale := protocol.New(protocol.KindSendAck)
		serverConn.WriteTo(protocol.Encode(stale), fakeAddr("client:1"))
		return protocol.Reply(req, protocol.KindSendAck)
	})

	engine := New(clientConn, 1, 200*time.Millisecond)
	msg := protocol.New(protocol.KindSend, "a", "b", "x")
	reply, err := engine.Send(context.Background(), msg, serverConn.addr)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.ID != msg.ID {
		t.Errorf("Accepted reply with foreign correlation id %q", reply.ID)
	}
}

// TestIgnoresForeignSource: a matching correlation id from the wrong peer
// must not satisfy the send.
func TestIgnoresForeignSource(t *testing.T) {
	network := newFakeNetwork()
	clientConn := network.conn("client:1")
	serverConn := network.conn("server:1")
	intruderConn := network.conn("intruder:1")

	msg := protocol.New(protocol.KindSend, "a", "b", "x")

	go echoServer(serverConn, func(req *protocol.Message, n int) *protocol.Message {
		// Forged ack from the intruder arrives before the real one.
		intruderConn.WriteTo(protocol.Encode(protocol.Reply(req, protocol.KindSendAck)), fakeAddr("client:1"))
		time.Sleep(20 * time.Millisecond)
		return protocol.Reply(req, protocol.KindFail, protocol.FailInternal, "real server")
	})

	engine := New(clientConn, 1, 200*time.Millisecond)
	reply, err := engine.Send(context.Background(), msg, serverConn.addr)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind != protocol.KindFail {
		t.Errorf("Accepted forged ack: got %s from wrong source", reply.Kind)
	}
}

// TestFailReplyIsDelivered: application-level errors are delivered to the
// caller, not retried.
func TestFailReplyIsDelivered(t *testing.T) {
	network := newFakeNetwork()
	clientConn := network.conn("client:1")
	serverConn := network.conn("server:1")

	var mu sync.Mutex
	received := 0
	go echoServer(serverConn, func(req *protocol.Message, n int) *protocol.Message {
		mu.Lock()
		received = n
		mu.Unlock()
		return protocol.Reply(req, protocol.KindFail, protocol.FailUnknownRecipient, "no such user")
	})

	engine := New(clientConn, 3, 50*time.Millisecond)
	reply, err := engine.Send(context.Background(), protocol.New(protocol.KindSend, "a", "ghost", "x"), serverConn.addr)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Kind != protocol.KindFail {
		t.Fatalf("Expected fail reply, got %s", reply.Kind)
	}

	mu.Lock()
	n := received
	mu.Unlock()
	if n != 1 {
		t.Errorf("Fail reply was retried: server saw %d transmissions", n)
	}
}

// TestCancelAbortsWait: shutdown must abort an in-progress wait without
// waiting out the retry budget.
func TestCancelAbortsWait(t *testing.T) {
	network := newFakeNetwork()
	clientConn := network.conn("client:1")
	serverConn := network.conn("server:1") // never answers

	engine := New(clientConn, 10, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := engine.Send(ctx, protocol.New(protocol.KindList, "alice"), serverConn.addr)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Cancellation took %v, expected prompt abort", elapsed)
	}
}
