package httpserver

import (
	"net/http"
	"net/url"
	"strings"
)

// withOriginPolicy gates browser-facing routes on the configured origin
// allowlist. Requests without an Origin header (same-origin, curl, server to
// server) pass through untouched; cross-origin requests must match the
// allowlist and get CORS headers in return.
func (s *Server) withOriginPolicy(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next(w, r)
			return
		}

		normalized, host, ok := normalizeOrigin(originHeader)
		if !ok || !s.originAllowed(normalized, host, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			if requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers")); requestHeaders != "" {
				w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
			}
			w.Header().Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next(w, r)
	}
}

// CheckWSOrigin is the origin check handed to the WebSocket upgrader. Same
// policy as the HTTP routes.
func (s *Server) CheckWSOrigin(r *http.Request) bool {
	originHeader := strings.TrimSpace(r.Header.Get("Origin"))
	if originHeader == "" {
		return true
	}
	normalized, host, ok := normalizeOrigin(originHeader)
	return ok && s.originAllowed(normalized, host, r.Host)
}

// originAllowed accepts same-host origins, a "*" wildcard entry, or an exact
// allowlist match (scheme://host[:port], case-insensitive host).
func (s *Server) originAllowed(normalized, originHost, requestHost string) bool {
	if strings.EqualFold(originHost, requestHost) {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" {
			return true
		}
		if a, _, ok := normalizeOrigin(allowed); ok && a == normalized {
			return true
		}
	}
	return false
}

// normalizeOrigin parses an Origin value into scheme://host[:port] form,
// dropping default ports. It returns the normalized origin and the host part.
func normalizeOrigin(raw string) (normalized, host string, ok bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	h := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(h, ":80"):
		h = strings.TrimSuffix(h, ":80")
	case scheme == "https" && strings.HasSuffix(h, ":443"):
		h = strings.TrimSuffix(h, ":443")
	}
	return scheme + "://" + h, h, true
}
