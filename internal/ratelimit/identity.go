package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/EunoiaAmerta/SIGMA-BIO/internal/config"
)

// UnknownIdentity is the shared bucket for requests that carry no usable
// client address. Every such client competes for the same quota.
const UnknownIdentity = "unknown"

// IdentityResolver derives the client network identity used as the
// rate-limit key.
type IdentityResolver struct {
	trusted []*net.IPNet
	depth   int
}

// NewIdentityResolver parses the trusted proxy CIDRs from cfg.
func NewIdentityResolver(cfg config.IdentityConfig) (*IdentityResolver, error) {
	r := &IdentityResolver{depth: cfg.TrustedIPDepth}
	for _, cidr := range cfg.TrustedProxies {
		_, n, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		r.trusted = append(r.trusted, n)
	}
	return r, nil
}

// Resolve returns the X-Forwarded-For client entry, then X-Real-IP, then
// UnknownIdentity. With trusted proxies configured, forwarded headers from
// an untrusted peer are ignored and the peer address is used instead.
func (r *IdentityResolver) Resolve(req *http.Request) string {
	if len(r.trusted) > 0 {
		peer := remoteIP(req.RemoteAddr)
		if peer == nil {
			return UnknownIdentity
		}
		if !r.isTrusted(peer) {
			return peer.String()
		}
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := r.pickForwarded(xff); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return UnknownIdentity
}

// pickForwarded selects the leftmost entry, or the depth-th entry from the
// right when a depth is configured and the header is long enough.
func (r *IdentityResolver) pickForwarded(xff string) string {
	parts := strings.Split(xff, ",")
	if r.depth > 0 && r.depth <= len(parts) {
		if ip := strings.TrimSpace(parts[len(parts)-r.depth]); ip != "" {
			return ip
		}
	}
	return strings.TrimSpace(parts[0])
}

func (r *IdentityResolver) isTrusted(ip net.IP) bool {
	for _, n := range r.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}
