package api

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
)

// AuthConfig holds authentication credentials for the API middleware.
type AuthConfig struct {
	Users   map[string]string // username -> password
	APIKeys map[string]bool   // valid API key tokens
}

// NewAuthConfig returns an AuthConfig accepting keys, or nil when there
// are none so that the API runs without authentication.
func NewAuthConfig(keys []string) *AuthConfig {
	if len(keys) == 0 {
		return nil
	}
	cfg := &AuthConfig{APIKeys: make(map[string]bool, len(keys))}
	for _, k := range keys {
		cfg.APIKeys[k] = true
	}
	return cfg
}

// authMiddleware wraps an http.Handler with Basic Auth / Bearer / X-API-Key checks.
// Requests to /health and /metrics bypass authentication.
func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		if auth := r.Header.Get("Authorization"); auth != "" {
			if checkAuthorization(auth, cfg) {
				next.ServeHTTP(w, r)
				return
			}
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if validKey(key, cfg) {
				next.ServeHTTP(w, r)
				return
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="mptm API"`)
		writeJSON(w, http.StatusUnauthorized, Response{
			Success: false,
			Error:   "authentication required",
		})
	})
}

// checkAuthorization validates an Authorization header value.
func checkAuthorization(auth string, cfg AuthConfig) bool {
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return validKey(token, cfg)
	}

	if payload, ok := strings.CutPrefix(auth, "Basic "); ok {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return false
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return false
		}
		expected, exists := cfg.Users[user]
		if !exists {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(pass), []byte(expected)) == 1
	}

	return false
}

func validKey(key string, cfg AuthConfig) bool {
	return cfg.APIKeys[key]
}
