package connserver

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rubiojr/syncbridge/pkg/protocol"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://%s/", addr)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func handshake(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	hs := protocol.NewClientHandshake("test-client", "1.0.0", nil)
	data, err := protocol.Marshal(hs)
	if err != nil {
		t.Fatalf("marshal handshake: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	_, resp, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read accepted: %v", err)
	}
	msg, err := protocol.Parse(resp)
	if err != nil {
		t.Fatalf("parse accepted: %v", err)
	}
	return msg
}

func TestHandshakeAccepted(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(Config{MaxConnections: 2, ServerInfo: protocol.ServerInfo{Name: "test-host"}})
	if err := srv.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	conn := dial(t, addr)
	defer conn.Close()

	accepted := handshake(t, conn)
	if accepted.Type != protocol.TypeConnectionAccepted {
		t.Fatalf("expected ConnectionAccepted, got %s", accepted.Type)
	}
	if accepted.ConnectionID() == "" {
		t.Fatal("expected a non-empty connection id")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.ActiveConnections() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected 1 active connection, got %d", srv.ActiveConnections())
}

func TestCapacityRejection(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(Config{MaxConnections: 1, ServerInfo: protocol.ServerInfo{Name: "test-host"}})
	if err := srv.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	first := dial(t, addr)
	defer first.Close()
	handshake(t, first)

	second := dial(t, addr)
	defer second.Close()

	_, resp, err := second.ReadMessage()
	if err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	msg, err := protocol.Parse(resp)
	if err != nil {
		t.Fatalf("parse rejection: %v", err)
	}
	if msg.Type != protocol.TypeConnectionRejected {
		t.Fatalf("expected ConnectionRejected, got %s", msg.Type)
	}
}

func TestPingPong(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(Config{MaxConnections: 2})
	if err := srv.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	conn := dial(t, addr)
	defer conn.Close()
	handshake(t, conn)

	ping := protocol.NewPing()
	data, _ := protocol.Marshal(ping)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_, resp, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	msg, err := protocol.Parse(resp)
	if err != nil {
		t.Fatalf("parse pong: %v", err)
	}
	if msg.Type != protocol.TypePong {
		t.Fatalf("expected Pong, got %s", msg.Type)
	}
}

func TestBroadcastReachesConnectedClients(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(Config{MaxConnections: 5})
	if err := srv.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	a := dial(t, addr)
	defer a.Close()
	handshake(t, a)

	b := dial(t, addr)
	defer b.Close()
	handshake(t, b)

	n := srv.Broadcast(protocol.NewEcho("hello"))
	if n != 2 {
		t.Fatalf("expected 2 sends, got %d", n)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		_, resp, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read broadcast: %v", err)
		}
		msg, err := protocol.Parse(resp)
		if err != nil {
			t.Fatalf("parse broadcast: %v", err)
		}
		if msg.Type != protocol.TypeEcho {
			t.Fatalf("expected Echo, got %s", msg.Type)
		}
	}
}

func TestUnhandledMessageDispatch(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(Config{MaxConnections: 2})

	received := make(chan protocol.Message, 1)
	srv.SetUnhandledHandler(func(connID string, msg protocol.Message) {
		received <- msg
	})

	if err := srv.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	conn := dial(t, addr)
	defer conn.Close()
	handshake(t, conn)

	ask := protocol.NewAskResponse("session-1", "yesButtonClicked", "", nil)
	data, _ := protocol.Marshal(ask)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write ask response: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != protocol.TypeAskResponse {
			t.Fatalf("expected AskResponse, got %s", msg.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unhandled dispatch")
	}
}

func TestSecondStartFails(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(Config{MaxConnections: 1})
	if err := srv.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	if err := srv.Start(freeAddr(t)); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestStopClosesConnections(t *testing.T) {
	addr := freeAddr(t)
	srv := NewServer(Config{MaxConnections: 2})
	if err := srv.Start(addr); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := dial(t, addr)
	defer conn.Close()
	handshake(t, conn)

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after Stop")
	}
}
