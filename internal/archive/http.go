package archive

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

// Reader lists recent records. Store and Memory implement it.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// MessagesHandler serves GET /messages: the RecentLimit newest records,
// newest first.
func MessagesHandler(store Reader) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		records, err := store.Recent(ctx, RecentLimit)
		if err != nil {
			log.Printf("[archiver] list messages: %v", err)
			http.Error(w, "failed to load messages", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	})
}

// HealthHandler reports whether the database answers and, when bus is not
// nil, whether the event bus is connected.
func HealthHandler(store *Store, bus Bus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := store.Ping(ctx); err != nil {
			status, code = "database unavailable", http.StatusServiceUnavailable
		} else if bus != nil && !bus.Connected() {
			status, code = "event bus unavailable", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(struct {
			Status string `json:"status"`
		}{status})
	})
}
