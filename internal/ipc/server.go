package ipc

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	clientBacklog  = 1024
	writeDeadline  = 100 * time.Millisecond
)

// Command is one inbound command record paired with a function to send the
// matching response back to the client it arrived from.
type Command struct {
	Record  Record
	Respond func(Record)
}

type client struct {
	id   uint64
	conn net.Conn
	out  chan Record
}

// Server is the daemon's single IpcServer instance: one TCP loopback
// listener, fanning events out to every connected client with a per-client
// capped backlog and a slow-consumer disconnect policy.
type Server struct {
	instanceID string
	log        *slog.Logger

	listener net.Listener

	mu       sync.Mutex
	clients  map[uint64]*client
	nextID   uint64

	newConns chan net.Conn
	inbound  chan Command

	closed atomic.Bool
}

// NewServer constructs a Server. Start must be called before use.
func NewServer(instanceID string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		instanceID: instanceID,
		log:        log,
		clients:    make(map[uint64]*client),
		newConns:   make(chan net.Conn, 64),
		inbound:    make(chan Command, 256),
	}
}

// Start binds 127.0.0.1:port. It fails fast if the port is in use, which
// the daemon treats as "another instance is already running." Port 0 binds
// an OS-assigned ephemeral port, used by tests.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("bind ipc listener: %w", err)
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

// InstanceID returns the UUIDv4 identifying this daemon instance, stamped
// onto every record this server emits.
func (s *Server) InstanceID() string {
	return s.instanceID
}

// Addr returns the bound listener address, useful when Start was called
// with port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.log.Warn("ipc accept error", "error", err)
			return
		}
		s.newConns <- conn
	}
}

// Accept non-blockingly admits pending connections, sending each a hello
// then a snapshot record before any live event, per the handshake contract.
func (s *Server) Accept(version string, snapshot Snapshot) int {
	admitted := 0
	for {
		select {
		case conn := <-s.newConns:
			s.admit(conn, version, snapshot)
			admitted++
		default:
			return admitted
		}
	}
}

func (s *Server) admit(conn net.Conn, version string, snapshot Snapshot) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	c := &client{id: id, conn: conn, out: make(chan Record, clientBacklog)}
	s.clients[id] = c
	s.mu.Unlock()

	go s.writeLoop(c)
	go s.readLoop(c)

	hello := NewRecord(s.instanceID, TypeHello)
	hello.Version = version
	s.send(c, hello)

	snap := NewRecord(s.instanceID, TypeSnapshot)
	snap.Snapshot = &snapshot
	s.send(c, snap)
}

func (s *Server) writeLoop(c *client) {
	w := bufio.NewWriter(c.conn)
	for rec := range c.out {
		data, err := Encode(rec)
		if err != nil {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if _, err := w.Write(data); err != nil {
			s.disconnect(c)
			return
		}
		if err := w.Flush(); err != nil {
			s.disconnect(c)
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		rec, err := Decode(scanner.Bytes())
		if err != nil {
			s.log.Warn("ipc malformed command, dropping client", "error", err)
			s.disconnect(c)
			return
		}
		cid := c.id
		s.inbound <- Command{
			Record: rec,
			Respond: func(resp Record) {
				resp.RequestID = rec.RequestID
				s.mu.Lock()
				target, ok := s.clients[cid]
				s.mu.Unlock()
				if ok {
					s.send(target, resp)
				}
			},
		}
	}
	s.disconnect(c)
}

// send is the non-blocking, drop-if-full enqueue onto a client's outbound
// channel: a client whose backlog is already full is treated as a slow
// consumer and disconnected rather than stalling the broadcaster.
func (s *Server) send(c *client, rec Record) {
	select {
	case c.out <- rec:
	default:
		s.disconnect(c)
	}
}

func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	if ok {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	if ok {
		c.conn.Close()
		close(c.out)
	}
}

// Broadcast writes rec to every connected client; fast clients are never
// stalled by slow ones since each client's enqueue is independent and
// non-blocking.
func (s *Server) Broadcast(rec Record) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	for _, c := range targets {
		s.send(c, rec)
	}
}

// RecvCommands drains any inbound command records accumulated since the
// last call, without blocking.
func (s *Server) RecvCommands() []Command {
	var out []Command
	for {
		select {
		case cmd := <-s.inbound:
			out = append(out, cmd)
		default:
			return out
		}
	}
}

// GetClientCount returns the number of currently connected clients.
func (s *Server) GetClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Stop closes the listener and every connected client.
func (s *Server) Stop() error {
	s.closed.Store(true)
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.disconnect(c)
	}
	return err
}
