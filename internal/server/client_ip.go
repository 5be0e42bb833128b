package server

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

// clientIPResolver decides which address identifies the caller. Forwarding
// headers are only honoured when every hop is trusted or the peer address
// falls inside one of the configured proxy ranges.
type clientIPResolver struct {
	trustAll bool
	proxies  []netip.Prefix
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustAll: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
			}
			resolver.proxies = append(resolver.proxies, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		resolver.proxies = append(resolver.proxies, prefix.Masked())
	}
	return resolver, nil
}

// ClientIPFromRequest returns the caller address and where it came from.
func (c *clientIPResolver) ClientIPFromRequest(r *http.Request) (string, string) {
	remote := hostOnly(r.RemoteAddr)
	if c == nil || !c.trusts(remote) {
		return remote, ipSourceRemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip, ipSourceXForwardedFor
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip, ipSourceXRealIP
	}
	return remote, ipSourceRemoteAddr
}

func (c *clientIPResolver) logFields(r *http.Request) []any {
	ip, source := c.ClientIPFromRequest(r)
	return []any{"remote_ip", ip, "ip_source", source}
}

func (c *clientIPResolver) trusts(remote string) bool {
	if c.trustAll {
		return true
	}
	if len(c.proxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range c.proxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func hostOnly(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
