package router

import (
	"context"
	"net/http"
	"time"

	"github.com/rankwatch/backend/internal/handlers"
	"github.com/rankwatch/backend/internal/middleware"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Tracking         *handlers.TrackingHandler
	Credits          *handlers.CreditsHandler
	Tokens           middleware.TokenValidator
	TriggerTokenHash string
	Metrics          http.Handler
	DB               Pinger
}

// New returns the API mux.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	trigger := middleware.RequireTriggerToken(d.TriggerTokenHash)
	user := middleware.RequireUser(d.Tokens)
	admin := func(h http.HandlerFunc) http.Handler { return user(middleware.RequireAdmin(h)) }

	mux.Handle("POST /v1/tracking/process", trigger(http.HandlerFunc(d.Tracking.ProcessPass)))
	mux.Handle("POST /v1/tracking/test-process", trigger(http.HandlerFunc(d.Tracking.TestProcessPass)))

	mux.Handle("POST /v1/keywords/{id}/track", user(http.HandlerFunc(d.Tracking.TrackKeyword)))
	mux.Handle("GET /v1/keywords/{id}/results", user(http.HandlerFunc(d.Tracking.ListResults)))

	mux.Handle("GET /v1/credits/balance", user(http.HandlerFunc(d.Credits.Balance)))
	mux.Handle("GET /v1/credits/transactions", user(http.HandlerFunc(d.Credits.Transactions)))
	mux.Handle("POST /v1/credits/grant", admin(d.Credits.Grant))

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	mux.HandleFunc("GET /healthz", healthz(d.DB))

	return mux
}

func healthz(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				http.Error(w, `{"status":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
