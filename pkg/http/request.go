package http

import (
	"net"
	"net/http"
	"strings"
	"sync"
)

// IPConfig holds configuration for client IP extraction
type IPConfig struct {
	TrustedProxies []string // CIDR ranges or single addresses of trusted proxies

	once     sync.Once
	networks []*net.IPNet
}

func (c *IPConfig) trusted() []*net.IPNet {
	c.once.Do(func() {
		c.networks = ParseTrustedProxies(c.TrustedProxies)
	})
	return c.networks
}

// ParseTrustedProxies parses CIDR ranges and bare addresses. Invalid entries are skipped.
func ParseTrustedProxies(entries []string) []*net.IPNet {
	networks := make([]*net.IPNet, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				continue
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			networks = append(networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			networks = append(networks, network)
		}
	}
	return networks
}

// ExtractClientIP returns the canonical client address used as the per-IP rate limit key.
//
// Forwarding headers are honored only when the peer is a trusted proxy. X-Forwarded-For is
// walked right to left and the first hop that is not itself a trusted proxy wins, so a client
// cannot choose its own key by prepending addresses. X-Real-IP is the fallback.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remote := peerAddr(r)
	if config == nil || !contains(config.trusted(), remote) {
		return canonical(remote)
	}

	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		var leftmost string
		for i := len(hops) - 1; i >= 0; i-- {
			hop := NormalizeIP(hops[i])
			if hop == "" {
				continue
			}
			leftmost = hop
			if !contains(config.trusted(), hop) {
				return hop
			}
		}
		if leftmost != "" {
			return leftmost
		}
	}

	if xri := NormalizeIP(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return canonical(remote)
}

// NormalizeIP returns the canonical text form of s (IPv4-mapped IPv6 collapses to IPv4),
// or "" when s is not an IP address
func NormalizeIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}

func peerAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func canonical(addr string) string {
	if n := NormalizeIP(addr); n != "" {
		return n
	}
	return addr
}

func contains(networks []*net.IPNet, addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
