package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client address for rate limiting and audit logs.
// X-Forwarded-For and X-Real-IP are only honored when trustProxy is set,
// since either header is attacker-controlled on direct connections.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := firstForwardedIP(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// firstForwardedIP returns the leftmost valid address from an
// X-Forwarded-For header, which is the original client when every proxy in
// the chain is trusted.
func firstForwardedIP(xff string) string {
	if xff == "" {
		return ""
	}
	for _, part := range strings.Split(xff, ",") {
		candidate := strings.TrimSpace(part)
		if net.ParseIP(candidate) != nil {
			return candidate
		}
		return ""
	}
	return ""
}
