package httputil

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
)

var trustedProxies atomic.Pointer[[]*net.IPNet]

// SetTrustedProxies sets the proxy networks whose X-Forwarded-For and
// X-Real-IP headers ClientIP honours. Entries are CIDRs or single
// addresses. With none set, forwarding headers are ignored.
func SetTrustedProxies(entries []string) error {
	nets, err := ParseProxyNetworks(entries)
	if err != nil {
		return err
	}
	trustedProxies.Store(&nets)
	return nil
}

// ParseProxyNetworks parses CIDRs or bare addresses into networks
func ParseProxyNetworks(entries []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q", entry)
		}
		nets = append(nets, ipnet)
	}
	return nets, nil
}

// IsTrustedProxy reports whether addr belongs to a configured proxy network
func IsTrustedProxy(addr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	nets := trustedProxies.Load()
	if nets == nil {
		return false
	}
	for _, n := range *nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
