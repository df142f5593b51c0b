package handlers

import (
	"net/http"
)

// CheckOrigin returns a websocket origin check that accepts the allowed
// origins and requests without an Origin header (non-browser clients).
func CheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = r.Header.Get("Sec-WebSocket-Origin")
		}
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
