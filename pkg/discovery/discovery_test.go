package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testServer(info Info) *Server {
	return NewServer(func() Info { return info })
}

func TestDiscoverReturnsWebSocketURL(t *testing.T) {
	srv := testServer(Info{
		ServiceName:  "RooCode-host",
		AppName:      "RooCode",
		Version:      "1.0.0",
		Platform:     "linux",
		WebSocketURL: "ws://192.168.1.5:8765",
		StartedAt:    time.Now(),
	})
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/discover")
	if err != nil {
		t.Fatalf("GET /discover: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body discoverResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.WebsocketURL != "ws://192.168.1.5:8765" {
		t.Fatalf("unexpected websocket_url: %q", body.WebsocketURL)
	}
	if len(body.Capabilities) != 4 {
		t.Fatalf("expected 4 capabilities, got %d", len(body.Capabilities))
	}
}

func TestDiscoverFailsWithoutNetwork(t *testing.T) {
	srv := testServer(Info{})
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/discover")
	if err != nil {
		t.Fatalf("GET /discover: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv := testServer(Info{ServiceName: "RooCode-host", Version: "1.0.0", StartedAt: time.Now().Add(-5 * time.Second)})
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", body.Status)
	}
	if body.UptimeSeconds < 5 {
		t.Fatalf("expected uptime >= 5s, got %f", body.UptimeSeconds)
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(Info{WebSocketURL: "ws://1.2.3.4:8765"})
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestOptionsPreflight(t *testing.T) {
	srv := testServer(Info{})
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/discover", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS header")
	}
}

func TestWebSocketURLHelper(t *testing.T) {
	if got := WebSocketURL("10.0.0.2", 8765); got != "ws://10.0.0.2:8765" {
		t.Fatalf("unexpected url: %q", got)
	}
	if got := WebSocketURL("", 8765); got != "" {
		t.Fatalf("expected empty url for unknown ip, got %q", got)
	}
}
