// Package netprobe implements the Sync Bridge's Network Probe: pure helpers
// to pick a primary LAN IPv4, test port availability, and find a free port
// in a bounded scan range. No failure here is fatal to a caller; unknown
// values are reported as the literal string "Unknown" per spec.
package netprobe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rubiojr/syncbridge/pkg/synclog"
)

var log = synclog.ForService("netprobe")

// Unknown is the sentinel value reported when a property cannot be
// determined.
const Unknown = "Unknown"

// preferredInterfaces is the probe order used before falling back to the
// first non-loopback IPv4 interface found.
var preferredInterfaces = []string{"en0", "en1", "eth0", "wlan0"}

// Info describes the host's network identity, as reported in the Sync
// Service's Status and used to build the Discovery Endpoint's WebSocket URL.
type Info struct {
	PrimaryIPv4   string
	InterfaceName string
	NetworkSegment string // textual /24, informational only
	Online        bool
}

// Probe gathers network info. It never returns an error; any field it
// cannot determine is set to Unknown (strings) or its zero value (bool).
func Probe() Info {
	ifaceName, ip := findPrimaryInterface()
	info := Info{
		PrimaryIPv4:   Unknown,
		InterfaceName: Unknown,
		NetworkSegment: Unknown,
	}
	if ifaceName != "" {
		info.InterfaceName = ifaceName
	}
	if ip != nil {
		info.PrimaryIPv4 = ip.String()
		info.NetworkSegment = segmentOf(ip)
	}
	info.Online = isOnline()
	return info
}

// findPrimaryInterface tries the preference order first, then falls back to
// the first non-loopback, non-down IPv4-bearing interface.
func findPrimaryInterface() (string, net.IP) {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.Warnf("listing interfaces failed: %v", err)
		return "", nil
	}

	byName := make(map[string]net.Interface, len(ifaces))
	for _, ifc := range ifaces {
		byName[ifc.Name] = ifc
	}

	for _, name := range preferredInterfaces {
		if ifc, ok := byName[name]; ok {
			if ip := ipv4Of(ifc); ip != nil {
				return ifc.Name, ip
			}
		}
	}

	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || ifc.Flags&net.FlagUp == 0 {
			continue
		}
		if ip := ipv4Of(ifc); ip != nil {
			return ifc.Name, ip
		}
	}

	return "", nil
}

func ipv4Of(ifc net.Interface) net.IP {
	addrs, err := ifc.Addrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// segmentOf renders the textual /24 network segment for an IPv4 address,
// e.g. 192.168.1.42 -> "192.168.1.0/24". Informational only.
func segmentOf(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return Unknown
	}
	segment := net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}
	return segment.String()
}

// isOnline is a best-effort reachability check: can we resolve a
// well-known hostname. Never treated as fatal by callers.
func isOnline() bool {
	r := net.Resolver{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.LookupHost(ctx, "www.google.com")
	return err == nil
}

// PortAvailable reports whether a TCP port is free to bind on all
// interfaces.
func PortAvailable(port int) bool {
	ln, err := net.Listen("tcp", hostPort(port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindFreePort scans starting at start, up to maxScan additional ports
// (inclusive range [start, start+maxScan]), returning the first available
// port. ok is false if none were free in range.
func FindFreePort(start, maxScan int) (port int, ok bool) {
	for p := start; p <= start+maxScan; p++ {
		if PortAvailable(p) {
			return p, true
		}
	}
	return 0, false
}

func hostPort(port int) string {
	return ":" + strconv.Itoa(port)
}
