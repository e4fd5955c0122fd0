package middleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

const TriggerTokenHeader = "X-Trigger-Token"

// RequireTriggerToken guards the cron trigger endpoint. The token arrives in
// X-Trigger-Token or as a Bearer token and is compared against a bcrypt hash.
// An empty hash disables the endpoint.
func RequireTriggerToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				http.Error(w, `{"error":"trigger disabled"}`, http.StatusServiceUnavailable)
				return
			}
			raw := r.Header.Get(TriggerTokenHeader)
			if raw == "" {
				raw = extractBearer(r)
			}
			if raw == "" {
				http.Error(w, `{"error":"missing trigger token"}`, http.StatusUnauthorized)
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw)); err != nil {
				http.Error(w, `{"error":"invalid trigger token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
