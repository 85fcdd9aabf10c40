package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// RequireAdminToken guards admin and billing endpoints. The token is read from
// "Authorization: Bearer <token>" or the X-API-Token header. Without a
// configured token the endpoints stay closed.
func RequireAdminToken(token string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeErrorResponse(w, http.StatusServiceUnavailable, "admin_disabled",
				"Admin endpoints are disabled: no admin token is configured", nil)
			return
		}

		provided := bearerToken(r)
		if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			log.Warn().
				Str("ip", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("Unauthorized admin API access attempt")
			w.Header().Set("WWW-Authenticate", `Bearer realm="entitlements"`)
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", nil)
			return
		}

		handler(w, r)
	}
}

func bearerToken(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		scheme, value, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	return strings.TrimSpace(r.Header.Get("X-API-Token"))
}
