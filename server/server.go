package server

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"udpim/db"
	"udpim/logger"
	"udpim/protocol"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	maxDatagram    = 64 * 1024
	replyCacheSize = 1024
)

type Server struct {
	db      *db.DB
	config  *ServerConfig
	conn    net.PacketConn
	replies *lru.Cache[string, []byte]

	done     chan struct{}
	stopOnce sync.Once
}

type ServerConfig struct {
	Port int
	// UserTTL marks users offline after this long without a request.
	// Zero keeps directory entries online until an explicit bye.
	UserTTL time.Duration
}

func New(database *db.DB, config *ServerConfig) *Server {
	// Never fails for a positive fixed size.
	replies, _ := lru.New[string, []byte](replyCacheSize)

	return &Server{
		db:      database,
		config:  config,
		replies: replies,
		done:    make(chan struct{}),
	}
}

// Listen binds the server's UDP socket.
func (s *Server) Listen() error {
	conn, err := net.ListenPacket("udp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.conn = conn
	logger.InfoF("udpim server listening on %s", conn.LocalAddr())
	return nil
}

// LocalAddr returns the bound address. Valid after Listen.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Serve processes inbound datagrams one at a time until Shutdown. The
// directory and mailboxes have this loop as their single writer.
func (s *Server) Serve() error {
	if s.config.UserTTL > 0 {
		go s.evictLoop()
	}

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			logger.ErrorF("Read error: %v", err)
			continue
		}

		s.handleDatagram(buf[:n], addr)
	}
}

// Start binds and serves.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Shutdown stops the serve loop and the eviction ticker. Directory and
// mailbox state lives in sqlite and survives the restart.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// handleDatagram decodes, deduplicates and dispatches one request, then
// transmits exactly one reply. A decodable request is never dropped.
func (s *Server) handleDatagram(data []byte, addr net.Addr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		// Malformed packet: discard and keep serving.
		logger.DebugF("Discarding malformed packet from %s (%d bytes)", addr, len(data))
		return
	}

	key := dedupKey(addr, msg.ID)
	if cached, ok := s.replies.Get(key); ok {
		// Retransmitted request: the original reply was lost, re-send it
		// without re-applying.
		logger.DebugF("Duplicate %s from %s, re-sending cached reply", msg.Kind, addr)
		s.write(cached, addr)
		return
	}

	reply := s.handle(msg, addr)
	raw := protocol.Encode(reply)
	s.replies.Add(key, raw)
	s.write(raw, addr)
}

// dedupKey identifies a request by source address and correlation id.
func dedupKey(addr net.Addr, id string) string {
	return addr.String() + "|" + id
}

func (s *Server) write(raw []byte, addr net.Addr) {
	if _, err := s.conn.WriteTo(raw, addr); err != nil {
		logger.ErrorF("Write to %s failed: %v", addr, err)
	}
}

func (s *Server) evictLoop() {
	interval := s.config.UserTTL / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepIdle()
		}
	}
}

func (s *Server) sweepIdle() {
	evicted, err := s.db.EvictIdle(time.Now().Add(-s.config.UserTTL))
	if err != nil {
		logger.ErrorF("Idle sweep failed: %v", err)
		return
	}
	if evicted > 0 {
		logger.InfoF("Marked %d idle user(s) offline", evicted)
	}
}

// GetStats returns server statistics as a formatted string.
func (s *Server) GetStats() string {
	online, err := s.db.CountOnline()
	if err != nil {
		logger.ErrorF("Stats query failed: %v", err)
	}

	return "online=" + strconv.Itoa(online) +
		",cached_replies=" + strconv.Itoa(s.replies.Len())
}
