package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
)

// signatureHeader carries the HMAC-SHA256 of a webhook body, formatted as
// "sha256=<hex>". Bitbucket and GitHub send it when a secret is configured.
const signatureHeader = "X-Hub-Signature"

// BearerAuth rejects requests that do not carry the expected bearer token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !hasBearer(r, token) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// EventAuth admits pull-request events that carry either the bearer token
// or a valid webhook signature for secret. An empty token or secret
// disables that method; with both empty every event is admitted.
func EventAuth(token, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" && secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			if token != "" && hasBearer(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			sig := r.Header.Get(signatureHeader)
			if secret == "" || sig == "" {
				httpError(w, http.StatusUnauthorized, "authentication_error", "event is neither signed nor authenticated")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodySize+1))
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "could not read event body")
				return
			}
			if !validSignature(body, sig, secret) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "event signature does not match")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func hasBearer(r *http.Request, token string) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	return strings.HasPrefix(auth, prefix) && subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) == 1
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(body []byte, sig, secret string) bool {
	return hmac.Equal([]byte(sig), []byte(Sign(body, secret)))
}
