// Package syncservice is the Sync Bridge orchestrator: it owns the
// lifecycle of the Connection Server and Discovery Endpoint, wires the AI
// Bridge between them, and exposes the status API (spec.md §4.6).
package syncservice

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rubiojr/syncbridge/pkg/aibridge"
	"github.com/rubiojr/syncbridge/pkg/config"
	"github.com/rubiojr/syncbridge/pkg/connserver"
	"github.com/rubiojr/syncbridge/pkg/discovery"
	"github.com/rubiojr/syncbridge/pkg/hosttask"
	"github.com/rubiojr/syncbridge/pkg/netprobe"
	"github.com/rubiojr/syncbridge/pkg/protocol"
	"github.com/rubiojr/syncbridge/pkg/synclog"
	"github.com/rubiojr/syncbridge/pkg/version"
)

var log = synclog.ForService("syncservice")

// EventKind is the orchestrator's own observable lifecycle event set,
// distinct from the Connection Server's per-connection events.
type EventKind string

const (
	EventServiceStarted EventKind = "SERVICE_STARTED"
	EventServiceStopped EventKind = "SERVICE_STOPPED"
)

// Event carries SERVICE_STARTED/SERVICE_STOPPED payloads.
type Event struct {
	Kind          EventKind
	Port          int
	DiscoveryPort int
}

// maxPortScan is the number of additional ports probed above the
// configured preference before startup gives up (spec.md §6.4).
const maxPortScan = 10

// cleanupInterval is the period of the housekeeping timer mentioned in
// spec.md §4.6 ("clear the hourly cleanup timer"). Each tick only logs the
// active connection count; it prunes nothing, since the Connection Server
// already removes dead connections synchronously on read error.
const cleanupInterval = time.Hour

// Status is the getStatus() response of spec.md §4.6.
type Status struct {
	Running          bool
	Config           config.Config
	NetworkInfo      netprobe.Info
	Connections      []connserver.Connection
	ConnectedClients int
	WebSocketPort    int
	DiscoveryPort    int
}

// Service is the Sync Bridge orchestrator.
type Service struct {
	cfg *config.Config

	mu            sync.Mutex
	running       bool
	provider      hosttask.Provider
	conns         *connserver.Server
	disco         *discovery.Server
	bridge        *aibridge.Bridge
	wsPort        int
	discoveryPort int
	netInfo       netprobe.Info
	cleanupStop   chan struct{}
	statusUnsub   func()
	listeners     map[uint64]func(Event)
	nextListener  uint64
}

// New constructs a Service bound to cfg. cfg is read at Start time; later
// Update() calls via pkg/config take effect only on the next Start.
func New(cfg *config.Config) *Service {
	return &Service{
		cfg:       cfg,
		listeners: make(map[uint64]func(Event)),
	}
}

// Subscribe registers a lifecycle event listener and returns an
// unsubscribe func.
func (s *Service) Subscribe(cb func(Event)) (unsubscribe func()) {
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

func (s *Service) emit(ev Event) {
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

// Start binds the Connection Server and Discovery Endpoint and begins
// serving. provider may be nil: the Bridge then never receives host task
// events; a user-role AIConversation or a TriggerSend is answered with a
// "no host provider attached" error, an AskResponse with a failed
// ask_response_result, and other AIConversation roles get no reply. Discovery,
// handshake and echo still work.
//
// If cfg.Enabled is false, Start returns immediately without binding any
// ports (spec.md §6.4).
func (s *Service) Start(provider hosttask.Provider) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("syncservice: already running")
	}
	cfg := *s.cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		return nil
	}

	defer func() {
		if err != nil {
			_ = s.Stop(context.Background())
		}
	}()

	netInfo := netprobe.Probe()

	wsPort, ok := netprobe.FindFreePort(cfg.Port, maxPortScan)
	if !ok {
		return fmt.Errorf("syncservice: no free websocket port found scanning from %d", cfg.Port)
	}
	discoveryPort, ok := netprobe.FindFreePort(cfg.DiscoveryPort, maxPortScan)
	if !ok {
		return fmt.Errorf("syncservice: no free discovery port found scanning from %d", cfg.DiscoveryPort)
	}

	bridge := aibridge.New(cfg.ConsecutiveMistakeLimit)

	conns := connserver.NewServer(connserver.Config{
		MaxConnections: cfg.MaxConnections,
		ServerInfo: protocol.ServerInfo{
			Name:         cfg.ServiceName,
			Version:      version.Version,
			Platform:     platformName(),
			Capabilities: discovery.Capabilities,
		},
	})

	bridge.SetSender(func(connID string, msg protocol.Message) {
		conns.SendMessage(connID, msg)
	})
	conns.SetUnhandledHandler(func(connID string, msg protocol.Message) {
		if protocol.IsAIMessage(msg.Type) {
			bridge.HandleInbound(connID, msg)
		}
	})

	startedAt := time.Now()
	disco := discovery.NewServer(func() discovery.Info {
		return discovery.Info{
			ServiceName:  cfg.ServiceName,
			AppName:      cfg.ServiceName,
			Version:      version.Version,
			Platform:     platformName(),
			WebSocketURL: discovery.WebSocketURL(netInfo.PrimaryIPv4, wsPort),
			StartedAt:    startedAt,
		}
	})

	if provider != nil {
		bridge.Attach(provider)
	}

	if err := conns.Start(fmt.Sprintf(":%d", wsPort)); err != nil {
		return fmt.Errorf("syncservice: starting connection server: %w", err)
	}
	if err := disco.Start(fmt.Sprintf(":%d", discoveryPort)); err != nil {
		return fmt.Errorf("syncservice: starting discovery endpoint: %w", err)
	}

	var statusUnsub func()
	if provider != nil {
		statusUnsub = conns.Subscribe(func(ev connserver.Event) {
			switch ev.Kind {
			case connserver.EventClientConnected, connserver.EventClientDisconnected:
				provider.PostStatus(hosttask.StatusPush{
					Type:    "visionSyncStatus",
					Payload: s.Status(),
				})
			}
		})
	}

	cleanupStop := make(chan struct{})
	go s.cleanupLoop(conns, cleanupStop)

	s.mu.Lock()
	s.provider = provider
	s.conns = conns
	s.disco = disco
	s.bridge = bridge
	s.wsPort = wsPort
	s.discoveryPort = discoveryPort
	s.netInfo = netInfo
	s.cleanupStop = cleanupStop
	s.statusUnsub = statusUnsub
	s.running = true
	s.mu.Unlock()

	log.Infof("started: ws=:%d discovery=:%d", wsPort, discoveryPort)
	s.emit(Event{Kind: EventServiceStarted, Port: wsPort, DiscoveryPort: discoveryPort})
	return nil
}

// cleanupLoop is the hourly defensive pass referenced in spec.md §4.6.
// The Connection Server already removes dead connections synchronously;
// this loop exists to bound any future drift between the two tables to at
// most an hour, and currently only logs the observation.
func (s *Service) cleanupLoop(conns *connserver.Server, stop chan struct{}) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			log.Debugf("cleanup tick: %d active connections", conns.ActiveConnections())
		}
	}
}

// Stop is idempotent: it closes both servers, stops the cleanup timer, and
// emits SERVICE_STOPPED. Calling Stop on a Service that never started (or
// already stopped) is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	conns := s.conns
	disco := s.disco
	bridge := s.bridge
	cleanupStop := s.cleanupStop
	statusUnsub := s.statusUnsub
	wsPort := s.wsPort
	discoveryPort := s.discoveryPort
	s.running = false
	s.conns = nil
	s.disco = nil
	s.bridge = nil
	s.cleanupStop = nil
	s.statusUnsub = nil
	s.provider = nil
	s.mu.Unlock()

	if statusUnsub != nil {
		statusUnsub()
	}
	if cleanupStop != nil {
		close(cleanupStop)
	}
	if bridge != nil {
		bridge.Detach()
	}

	var firstErr error
	if conns != nil {
		if err := conns.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if disco != nil {
		if err := disco.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	log.Infof("stopped")
	s.emit(Event{Kind: EventServiceStopped, Port: wsPort, DiscoveryPort: discoveryPort})
	return firstErr
}

// Running reports whether the service is currently serving.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status implements the getStatus() API of spec.md §4.6.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:       s.running,
		Config:        *s.cfg,
		NetworkInfo:   s.netInfo,
		WebSocketPort: s.wsPort,
		DiscoveryPort: s.discoveryPort,
	}
	if s.conns != nil {
		st.Connections = s.conns.Snapshot()
		st.ConnectedClients = s.conns.ActiveConnections()
	}
	return st
}

func platformName() string {
	return runtime.GOOS
}
