package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// ClientKey derives the rate-limit identity for a request: the first
// X-Forwarded-For hop, then X-Real-IP, then the RemoteAddr host. A request
// with none of these (direct connection stripped by a test client, for
// instance) keys to the shared "unknown" bucket rather than bypassing
// limits.
func ClientKey(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	if req.RemoteAddr != "" {
		ip, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			return req.RemoteAddr
		}
		return ip
	}

	return "unknown"
}
