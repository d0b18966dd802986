// Package server normalizes and validates HTTP origins for channel requests
// and writes the cross-origin headers for the provisioning endpoint.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// normalizeOrigins drops blanks and malformed entries. A "*" entry switches
// the policy to allow-all and is not kept in the returned list.
func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// isOriginAllowed reports whether the request origin passes the active
// policy. Under allow-all, requests without an Origin header (non-browser
// clients) are accepted too.
func isOriginAllowed(r *http.Request) bool {
	configMu.RLock()
	allowAll := allowAllOrigins
	configMu.RUnlock()

	originHeader := r.Header.Get("Origin")
	if allowAll {
		return true
	}
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()
	_, exists := allowedOrigins[normalizedOrigin]
	return exists
}

func checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}
	log.Warn().
		Str("component", "server").
		Str("origin", r.Header.Get("Origin")).
		Msg("blocked websocket connection from disallowed origin")
	return false
}

// applyCORS writes the cross-origin response headers for the provisioning
// endpoint. It returns false when the origin is not allowed; the request is
// still served since CORS is enforced by the browser.
func applyCORS(w http.ResponseWriter, r *http.Request) bool {
	cfg := CurrentConfig()
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", strings.Join(cfg.AllowedMethods, ", "))
	h.Add("Vary", "Origin")

	origin := r.Header.Get("Origin")
	if !isOriginAllowed(r) {
		return false
	}

	configMu.RLock()
	allowAll := allowAllOrigins
	configMu.RUnlock()

	if allowAll {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	return true
}
