package httpclient

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// DebugHandler returns an http.Handler that writes the snapshots of every
// host seen by t as JSON.
//
// Example:
//
//	mux.Handle("/debug/hedge", httpclient.DebugHandler(transport))
//
// Example output:
//
//	[{"host":"api.example.com","percentile":95,"threshold":42000000,
//	  "has_threshold":true,"breaker_open":false,"budget_tokens":10,
//	  "read_samples":1200,"write_samples":310,
//	  "last_rotation":"2024-01-01T00:00:10Z","rotation_period":10000000000}]
func DebugHandler(t *Transport) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		body, err := json.Marshal(t.Snapshots())
		if err != nil {
			t.cfg.Logger.Error().Err(err).Msg("failed to encode hedge snapshots")
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			_, _ = w.Write(body)
		}
	})
}
