package panel

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/persona-labs/botpanel/internal/logging"
	"github.com/rs/zerolog/log"
)

// AdminKeyMiddleware guards the console with the operator key, presented as
// X-Admin-Key or a bearer token.
func AdminKeyMiddleware(adminKey string, next http.Handler) http.Handler {
	return requireSecret(adminKey, next, func(r *http.Request) string {
		if key := strings.TrimSpace(r.Header.Get("X-Admin-Key")); key != "" {
			return key
		}
		return bearerToken(r)
	})
}

// BotTokenMiddleware guards the polling API with the shared agent token,
// presented as a bearer token or a token query parameter for callers that
// cannot set headers.
func BotTokenMiddleware(token string, next http.Handler) http.Handler {
	return requireSecret(token, next, func(r *http.Request) string {
		if got := bearerToken(r); got != "" {
			return got
		}
		return strings.TrimSpace(r.URL.Query().Get("token"))
	})
}

// requireSecret rejects the request unless extract yields the configured
// secret. An empty configured secret rejects everything, so a misconfigured
// deployment fails closed rather than open.
func requireSecret(want string, next http.Handler, extract func(*http.Request) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := extract(r)
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	return ""
}

// RequestIDMiddleware stamps every request context with a request id for
// correlated logging.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := logging.WithRequestID(r.Context())
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("panel: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, reason string) {
	writeJSON(w, status, map[string]string{"error": reason})
}
