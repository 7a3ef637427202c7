package netprobe

import (
	"net"
	"testing"
)

func TestProbeNeverErrors(t *testing.T) {
	info := Probe()
	if info.PrimaryIPv4 == "" || info.InterfaceName == "" || info.NetworkSegment == "" {
		t.Fatalf("expected non-empty fields (Unknown fallback), got %+v", info)
	}
}

func TestPortAvailableThenTaken(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	if PortAvailable(port) {
		t.Fatalf("expected port %d to be reported unavailable while held", port)
	}
}

func TestFindFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	start := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	port, ok := FindFreePort(start, 10)
	if !ok {
		t.Fatalf("expected to find a free port starting at %d", start)
	}
	if !PortAvailable(port) {
		t.Fatalf("FindFreePort returned unavailable port %d", port)
	}
}

func TestSegmentOf(t *testing.T) {
	ip := net.ParseIP("192.168.1.42").To4()
	seg := segmentOf(ip)
	if seg != "192.168.1.0/24" {
		t.Fatalf("expected 192.168.1.0/24, got %s", seg)
	}
}
