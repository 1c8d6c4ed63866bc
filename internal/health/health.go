package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Status is the liveness body. It never reflects downstream state.
type Status struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// Readiness is the readiness body
type Readiness struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Ledger  bool   `json:"ledger"`
}

// Pinger is satisfied by ledger stores that can check their backing database
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPHandler reports liveness. It does not touch the ledger or the channels.
func HTTPHandler(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Status{Status: "ok", Service: service})
	}
}

// ReadyHandler reports whether the ledger answers a ping within a second
func ReadyHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Readiness{OK: true, Message: "ok", Ledger: true}

		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				st = Readiness{OK: false, Message: "ledger ping failed", Ledger: false}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(st)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(st)
	}
}
