// ABOUTME: Tests for the HTTP identity middleware
// ABOUTME: Covers bearer tokens, query tokens and header identity

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoIdentity writes the participant id the middleware attached
func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		if id == nil {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(string(id.Method) + ":" + id.ParticipantID))
	})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestMiddleware_BearerToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")
	h := Middleware(verifier, nil)(echoIdentity())

	token, err := verifier.Generate("customer-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token:customer-1", rec.Body.String())

	// query token for EventSource and WebSocket clients
	req = httptest.NewRequest(http.MethodGet, "/api/conversations/c/events?access_token="+token, nil)
	rec = serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "token:customer-1", rec.Body.String())

	// the header is ignored when tokens are required
	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(ParticipantHeader, "customer-1")
	rec = serve(h, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_RejectsBadTokens(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")
	h := Middleware(verifier, nil)(echoIdentity())

	expired, err := verifier.Generate("customer-1", -time.Minute)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing": "",
		"basic":   "Basic Zm9vOmJhcg==",
		"empty":   "Bearer ",
		"garbage": "Bearer nope",
		"expired": "Bearer " + expired,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := serve(h, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestMiddleware_HeaderIdentity(t *testing.T) {
	h := Middleware(nil, nil)(echoIdentity())

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(ParticipantHeader, " host-7 ")
	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "header:host-7", rec.Body.String())

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
