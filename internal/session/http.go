package session

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"
)

// MirrorPath is where Handler is mounted.
const MirrorPath = "/mirror/users"

// Record is one display name as the mirror holds it.
type Record struct {
	User    *User    `json:"user"`
	Blocked []string `json:"blocked"`
}

// Handler serves the durable mirror for diagnostics: GET /mirror/users lists
// known names, GET /mirror/users/{name} returns one record (404 if unknown).
// The relay never reads these records while routing.
func Handler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		name := strings.Trim(strings.TrimPrefix(r.URL.Path, MirrorPath), "/")
		if name == "" {
			names, err := store.KnownNames(ctx)
			if err != nil {
				log.Printf("[mirror] list names: %v", err)
				http.Error(w, "mirror unavailable", http.StatusServiceUnavailable)
				return
			}
			sort.Strings(names)
			if names == nil {
				names = []string{}
			}
			writeJSON(w, names)
			return
		}

		rec, err := store.Lookup(ctx, name)
		if err != nil {
			log.Printf("[mirror] lookup %s: %v", name, err)
			http.Error(w, "mirror unavailable", http.StatusServiceUnavailable)
			return
		}
		if rec == nil {
			http.Error(w, "name not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
