// Package connserver implements the Sync Bridge's Connection Server: the
// WebSocket acceptor, per-connection heartbeat, inbound routing, and
// fan-out broadcast path described in spec.md §4.4.
package connserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/syncbridge/pkg/protocol"
	"github.com/rubiojr/syncbridge/pkg/synclog"
)

var log = synclog.ForService("connserver")

// State is a Connection's position in the state machine of spec.md §4.4.
type State string

const (
	StateConnecting    State = "Connecting"
	StateConnected     State = "Connected"
	StateReconnecting  State = "Reconnecting"
	StateFailed        State = "Failed"
	StateDisconnected  State = "Disconnected"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatGrace    = 5 * time.Second

	// CloseNormal is used on graceful server shutdown.
	CloseNormal = websocket.CloseNormalClosure
	// CloseCapacity is used when a handshake is refused for capacity.
	CloseCapacity = 1013
)

// Connection is the Connection Server's owned record for one client socket
// (spec.md §3). Fields are copied out via Snapshot for external readers;
// the live struct (including its socket and mutex) never escapes this
// package.
type Connection struct {
	ID           string
	ClientType   string
	Version      string
	Capabilities []string
	ConnectedAt  time.Time
	LastActivity time.Time
	State        State
}

// EventKind is the Connection Server's closed set of observable events.
type EventKind string

const (
	EventClientConnected    EventKind = "CLIENT_CONNECTED"
	EventClientDisconnected EventKind = "CLIENT_DISCONNECTED"
	EventMessageReceived    EventKind = "MESSAGE_RECEIVED"
	EventMessageSent        EventKind = "MESSAGE_SENT"
	EventError              EventKind = "ERROR"
)

// Event is delivered to Subscribe callbacks.
type Event struct {
	Kind         EventKind
	ConnectionID string
	Message      protocol.Message
	Err          error
}

// Config configures a new Server.
type Config struct {
	MaxConnections int
	ServerInfo     protocol.ServerInfo
}

type connState struct {
	Connection
	socket   *websocket.Conn
	writeMu  sync.Mutex
	lastPing time.Time
	done     chan struct{}
}

// Server is the WebSocket acceptor. One Server instance may listen on a
// given port at a time; a second Start fails (spec.md invariant 1).
type Server struct {
	cfg Config

	mu           sync.Mutex
	connections  map[string]*connState
	listeners    map[uint64]func(Event)
	nextListener uint64

	unhandled func(connID string, msg protocol.Message)

	httpServer *http.Server
	listener   net.Listener
	running    bool
	wg         sync.WaitGroup
}

// NewServer constructs a Connection Server. Call Start to bind and begin
// accepting connections.
func NewServer(cfg Config) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}
	return &Server{
		cfg:         cfg,
		connections: make(map[string]*connState),
		listeners:   make(map[uint64]func(Event)),
	}
}

// SetUnhandledHandler installs the callback invoked for every inbound
// message type the server does not handle itself (anything other than
// ClientHandshake, Ping, Echo). Must be called before Start.
func (s *Server) SetUnhandledHandler(cb func(connID string, msg protocol.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unhandled = cb
}

// Subscribe registers an event listener and returns an unsubscribe func.
func (s *Server) Subscribe(cb func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Server) emit(ev Event) {
	s.mu.Lock()
	cbs := make([]func(Event), 0, len(s.listeners))
	for _, cb := range s.listeners {
		cbs = append(cbs, cb)
	}
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Start binds addr ("host:port") and begins accepting WebSocket
// connections. A second call while already running fails (invariant 1).
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("connserver: already listening")
	}
	s.mu.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("connserver: listen %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	srv := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("serve: %v", err)
		}
	}()

	log.Infof("listening on %s", addr)
	return nil
}

// Stop closes every connection with code 1000 ("Server shutdown"),
// shuts down the HTTP listener, and waits for both to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.httpServer
	conns := make([]*connState, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		s.closeConnection(c, CloseNormal, "Server shutdown")
	}

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	s.wg.Wait()
	return err
}

// ActiveConnections returns the current number of tracked connections
// (any state).
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Snapshot returns a point-in-time copy of every tracked connection.
func (s *Server) Snapshot() []Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c.Connection)
	}
	return out
}

// SendMessage serializes and writes msg to the connection with the given
// id. Returns false if the connection is absent or the write fails (for
// example because its socket is already closed); the handshake state is
// not checked.
func (s *Server) SendMessage(id string, msg protocol.Message) bool {
	s.mu.Lock()
	c, ok := s.connections[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if ok := s.writeJSON(c, msg); !ok {
		return false
	}
	if !protocol.IsSystemMessage(msg.Type) {
		s.emit(Event{Kind: EventMessageSent, ConnectionID: id, Message: msg})
	}
	return true
}

// Broadcast writes msg to every Connected connection, skipping failures
// (a slow/dead peer never blocks the others). Returns the number of
// successful sends.
func (s *Server) Broadcast(msg protocol.Message) int {
	s.mu.Lock()
	targets := make([]*connState, 0, len(s.connections))
	for _, c := range s.connections {
		if c.State == StateConnected {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if s.writeJSON(c, msg) {
			sent++
			if !protocol.IsSystemMessage(msg.Type) {
				s.emit(Event{Kind: EventMessageSent, ConnectionID: c.ID, Message: msg})
			}
		}
	}
	return sent
}

func (s *Server) writeJSON(c *connState, msg protocol.Message) bool {
	data, err := protocol.Marshal(msg)
	if err != nil {
		log.With("connId", c.ID).Errorf("marshal outbound %s: %v", msg.Type, err)
		return false
	}
	c.writeMu.Lock()
	err = c.socket.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		log.With("connId", c.ID).Warnf("send failed: %v", err)
		return false
	}
	return true
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	atCapacity := len(s.connections) >= s.cfg.MaxConnections
	s.mu.Unlock()

	if atCapacity {
		reject := protocol.NewConnectionRejected("Server at maximum capacity")
		data, _ := protocol.Marshal(reject)
		_ = conn.WriteMessage(websocket.TextMessage, data)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseCapacity, "at maximum capacity"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	c := &connState{
		Connection: Connection{
			ID:           protocol.NewID(),
			ClientType:   "unknown",
			State:        StateConnecting,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		},
		socket:   conn,
		lastPing: time.Now(),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.connections[c.ID] = c
	s.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		c.lastPing = time.Now()
		s.mu.Unlock()
		return nil
	})

	s.wg.Add(1)
	go s.heartbeatLoop(c)
	s.readLoop(c)
}

func (s *Server) heartbeatLoop(c *connState) {
	defer s.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			last := c.lastPing
			s.mu.Unlock()

			if time.Since(last) > heartbeatInterval+heartbeatGrace {
				s.closeConnection(c, websocket.CloseGoingAway, "Ping timeout")
				return
			}

			c.writeMu.Lock()
			err := c.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				s.closeConnection(c, websocket.CloseGoingAway, "Ping timeout")
				return
			}
		}
	}
}

func (s *Server) readLoop(c *connState) {
	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			s.removeConnection(c)
			return
		}

		msg, perr := protocol.ParseAndValidate(data)
		if perr != nil {
			if c.State == StateConnecting {
				log.With("connId", c.ID).Warnf("protocol error before handshake: %v", perr)
				s.closeConnection(c, websocket.CloseProtocolError, "Protocol error")
				return
			}
			log.With("connId", c.ID).Warnf("invalid message: %v", perr)
			s.emit(Event{Kind: EventError, ConnectionID: c.ID, Err: perr})
			continue
		}

		s.mu.Lock()
		c.LastActivity = time.Now()
		s.mu.Unlock()
		s.emit(Event{Kind: EventMessageReceived, ConnectionID: c.ID, Message: msg})

		s.routeInbound(c, msg)
	}
}

func (s *Server) routeInbound(c *connState, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeClientHandshake:
		s.mu.Lock()
		c.ClientType = msg.ClientType
		c.Version = msg.Version
		c.Capabilities = msg.Capabilities
		c.State = StateConnected
		s.mu.Unlock()

		accepted := protocol.NewConnectionAccepted(c.ID, s.cfg.ServerInfo)
		s.SendMessage(c.ID, accepted)
		s.emit(Event{Kind: EventClientConnected, ConnectionID: c.ID, Message: msg})

	case protocol.TypePing:
		s.writeJSON(c, protocol.NewPong())

	case protocol.TypeEcho:
		s.writeJSON(c, protocol.NewEcho(msg.EchoMessage()))

	default:
		s.mu.Lock()
		handler := s.unhandled
		s.mu.Unlock()
		if handler != nil {
			handler(c.ID, msg)
		}
	}
}

func (s *Server) closeConnection(c *connState, code int, reason string) {
	c.writeMu.Lock()
	_ = c.socket.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = c.socket.Close()
	c.writeMu.Unlock()
	s.removeConnection(c)
}

func (s *Server) removeConnection(c *connState) {
	s.mu.Lock()
	_, existed := s.connections[c.ID]
	if existed {
		delete(s.connections, c.ID)
	}
	s.mu.Unlock()

	if !existed {
		return
	}

	select {
	case <-c.done:
	default:
		close(c.done)
	}

	wasConnected := c.State == StateConnected
	c.State = StateDisconnected
	if wasConnected {
		s.emit(Event{Kind: EventClientDisconnected, ConnectionID: c.ID})
	}
}
