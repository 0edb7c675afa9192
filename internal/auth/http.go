// ABOUTME: HTTP middleware that identifies the participant behind a request
// ABOUTME: Bearer JWT when a verifier is configured, trusted header otherwise

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// ParticipantHeader names the participant when token auth is disabled.
// Only use it behind a proxy that sets the header itself.
const ParticipantHeader = "X-Participant-ID"

// tokenQueryParam carries the token for EventSource and WebSocket clients,
// which cannot set request headers.
const tokenQueryParam = "access_token"

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func tokenFromRequest(r *http.Request) (string, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get(tokenQueryParam); token != "" {
			return token, ""
		}
	}
	return extractBearerToken(r.Header.Get("Authorization"))
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// Middleware attaches an Identity to every request it lets through.
// With a verifier, requests need a valid bearer token whose subject becomes
// the participant id. With a nil verifier the ParticipantHeader is trusted.
func Middleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id *Identity

			if verifier == nil {
				participantID := strings.TrimSpace(r.Header.Get(ParticipantHeader))
				if participantID == "" {
					writeUnauthorized(w, "missing "+ParticipantHeader+" header")
					return
				}
				id = &Identity{ParticipantID: participantID, Method: MethodHeader}
			} else {
				token, errMsg := tokenFromRequest(r)
				if errMsg != "" {
					writeUnauthorized(w, errMsg)
					return
				}
				participantID, err := verifier.Verify(token)
				if err != nil {
					logger.Debug("rejected token", "path", r.URL.Path, "error", err)
					writeUnauthorized(w, "invalid token")
					return
				}
				id = &Identity{ParticipantID: participantID, Method: MethodToken}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
