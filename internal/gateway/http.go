package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/whisper/relay/internal/relay"
)

// UsersHandler serves GET /users (the current snapshot) and GET /users/{id}
// (one identity, 404 if not announced).
func UsersHandler(engine *relay.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
		if id == "" {
			writeJSON(w, http.StatusOK, UserList(engine.Snapshot()))
			return
		}

		ident, ok := engine.Resolve(id)
		if !ok {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, userInfo(ident))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
