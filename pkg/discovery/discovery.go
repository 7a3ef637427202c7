// Package discovery implements the Sync Bridge's HTTP discovery surface:
// GET /discover, GET /health, GET /, and CORS preflight (spec.md §4.3).
package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rubiojr/syncbridge/pkg/netprobe"
	"github.com/rubiojr/syncbridge/pkg/protocol"
	"github.com/rubiojr/syncbridge/pkg/synclog"
)

var log = synclog.ForService("discovery")

// Capabilities is the fixed capability set advertised in GET /discover
// (spec.md §4.3).
var Capabilities = []string{"ai_conversation", "trigger_send", "echo", "ping_pong"}

// Info is the data GET /discover and GET /health report about the running
// service. The caller (Sync Service) supplies it and keeps it current as
// ports and uptime change.
type Info struct {
	ServiceName  string
	AppName      string
	Version      string
	Platform     string
	WebSocketURL string
	StartedAt    time.Time
}

// Server is the discovery HTTP server. One instance listens on one port.
type Server struct {
	info       func() Info
	httpServer *http.Server
}

// NewServer builds a discovery Server. infoFn is called fresh on every
// request so the advertised ws port and uptime always reflect the current
// Sync Service state.
func NewServer(infoFn func() Info) *Server {
	s := &Server{info: infoFn}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /discover", s.handleDiscover)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("/", s.handleNotFound)

	s.httpServer = &http.Server{Handler: corsMiddleware(mux)}
	return s
}

// Start binds addr and serves in the background. Returns once bound.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen %s: %w", addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("serve: %v", err)
		}
	}()
	log.Infof("listening on %s", addr)
	return nil
}

// Stop closes the HTTP server immediately: the listener and any open
// connections are closed without waiting for in-flight requests.
func (s *Server) Stop() error {
	return s.httpServer.Close()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type discoverResponse struct {
	Name             string   `json:"name"`
	WebsocketURL     string   `json:"websocket_url"`
	Version          string   `json:"version"`
	Platform         string   `json:"platform"`
	App              string   `json:"app"`
	Capabilities     []string `json:"capabilities"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	info := s.info()

	if info.WebSocketURL == "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "network_unavailable",
			"message": "could not determine the primary network address",
		})
		return
	}

	writeJSON(w, http.StatusOK, discoverResponse{
		Name:         info.ServiceName,
		WebsocketURL: info.WebSocketURL,
		Version:      info.Version,
		Platform:     info.Platform,
		App:          info.AppName,
		Capabilities: Capabilities,
	})
}

type healthResponse struct {
	Status        string  `json:"status"`
	Timestamp     int64   `json:"timestamp"`
	Service       string  `json:"service"`
	Version       string  `json:"version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := s.info()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Timestamp:     protocol.NowMillis(),
		Service:       info.ServiceName,
		Version:       info.Version,
		UptimeSeconds: time.Since(info.StartedAt).Seconds(),
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	info := s.info()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, indexTemplate, info.ServiceName, info.WebSocketURL)
}

const indexTemplate = `<!doctype html>
<html>
<head><title>Sync Bridge</title></head>
<body>
<h1>%s</h1>
<p>WebSocket endpoint: %s</p>
<ul>
<li>GET /discover</li>
<li>GET /health</li>
<li>GET /</li>
</ul>
</body>
</html>
`

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "Not found",
		"path":  r.URL.Path,
		"available_endpoints": []string{"/discover", "/health", "/"},
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		log.Errorf("encoding response: %v", err)
	}
}

// WebSocketURL formats the ws:// URL advertised in GET /discover, per
// spec.md §4.3.
func WebSocketURL(primaryIPv4 string, port int) string {
	if primaryIPv4 == "" || primaryIPv4 == netprobe.Unknown {
		return ""
	}
	return fmt.Sprintf("ws://%s:%d", primaryIPv4, port)
}
