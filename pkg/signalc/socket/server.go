package socket

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// maxLineSize bounds one request line. Attachments travel by filename, not
// inline, so requests stay small.
const maxLineSize = 1024 * 1024

// outboundBacklog is how many responses may queue per connection before
// further pushes are dropped.
const outboundBacklog = 256

// Conn is one accepted command connection: a read loop feeding the handler
// and a writer goroutine serializing responses onto the wire.
type Conn struct {
	id     int64
	conn   net.Conn
	server *Server
	log    zerolog.Logger

	outbound  chan any
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues one response for this connection. Safe from any goroutine;
// drops the message if the connection is gone or hopelessly backed up.
func (c *Conn) Send(message any) {
	select {
	case <-c.done:
	case c.outbound <- message:
	default:
		c.log.Warn().Msg("Dropping response for backed-up connection")
	}
}

// Close tears the connection down and deregisters it. Idempotent: the read
// loop, the writer and external shutdown may all race to call it.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.server.forget(c)
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.outbound:
			data, err := json.Marshal(message)
			if err != nil {
				c.log.Err(err).Msg("Failed to encode response")
				continue
			}
			if _, err = c.conn.Write(append(data, '\n')); err != nil {
				c.log.Debug().Err(err).Msg("Write failed, closing connection")
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, handler *Handler) {
	defer c.Close()
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		go handler.Handle(ctx, c, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug().Err(err).Msg("Read failed, closing connection")
	}
}

// Server accepts command connections on a unix socket and pushes unsolicited
// events to every live connection.
type Server struct {
	Path    string
	Log     zerolog.Logger
	handler *Handler

	listener  net.Listener
	connsLock sync.Mutex
	conns     map[int64]*Conn
	nextConn  atomic.Int64
	closed    atomic.Bool
}

// Listen binds the unix socket, replacing a stale socket file from a
// previous run.
func Listen(path string, handler *Handler, log zerolog.Logger) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket file: %w", err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	server := &Server{
		Path:     path,
		Log:      log.With().Str("component", "socket_server").Logger(),
		handler:  handler,
		listener: listener,
		conns:    make(map[int64]*Conn),
	}
	handler.events = server
	return server, nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.Log.Info().Str("path", s.Path).Msg("Listening for commands")
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		conn := &Conn{
			id:       s.nextConn.Add(1),
			conn:     netConn,
			server:   s,
			outbound: make(chan any, outboundBacklog),
			done:     make(chan struct{}),
		}
		conn.log = s.Log.With().Int64("conn_id", conn.id).Logger()
		s.connsLock.Lock()
		s.conns[conn.id] = conn
		s.connsLock.Unlock()
		conn.log.Debug().Msg("Accepted connection")
		go conn.writeLoop()
		go conn.readLoop(ctx, s.handler)
	}
}

func (s *Server) forget(conn *Conn) {
	s.connsLock.Lock()
	delete(s.conns, conn.id)
	s.connsLock.Unlock()
	conn.log.Debug().Msg("Connection closed")
}

// Broadcast pushes one event to every live connection.
func (s *Server) Broadcast(message any) {
	s.connsLock.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsLock.Unlock()
	for _, conn := range conns {
		conn.Send(message)
	}
}

// Close stops accepting, closes every connection and removes the socket
// file. Idempotent.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	_ = s.listener.Close()
	s.connsLock.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connsLock.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
	_ = os.Remove(s.Path)
	s.Log.Info().Msg("Socket server closed")
}
