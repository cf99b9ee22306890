package httpx

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// PeerHost is the host:port a conversation addresses in its Host header.
type PeerHost struct {
	Host string
	Port uint16
}

// PeerHostFromAddr uses the socket address as the peer host.
func PeerHostFromAddr(addr netip.AddrPort) PeerHost {
	return PeerHost{Host: addr.Addr().Unmap().String(), Port: addr.Port()}
}

// ParsePeerHost extracts the host and port from a data URL such as
// http://node.example.com:20443. The port defaults from the scheme.
func ParsePeerHost(dataURL string) (PeerHost, error) {
	u, err := url.Parse(dataURL)
	if err != nil {
		return PeerHost{}, err
	}
	if u.Host == "" {
		return PeerHost{}, fmt.Errorf("no host in url %q", dataURL)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "https":
			port = "443"
		case "http", "":
			port = "80"
		default:
			return PeerHost{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return PeerHost{}, fmt.Errorf("bad port in url %q: %w", dataURL, err)
	}
	return PeerHost{Host: host, Port: uint16(p)}, nil
}

func (h PeerHost) String() string {
	return net.JoinHostPort(h.Host, strconv.FormatUint(uint64(h.Port), 10))
}
