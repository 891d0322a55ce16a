package routes

import (
	"net/http"

	"github.com/petervdpas/mopirelay/internal/playback"
	"github.com/petervdpas/mopirelay/internal/upstream"
)

type nowPlaying struct {
	playback.Snapshot
	Connected bool   `json:"connected"`
	Upstream  string `json:"upstream"`
	Clients   int    `json:"clients"`
}

func registerAPIRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/now-playing: the actor's view of playback plus link status.
	handleGet(mux, "/api/now-playing", func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.State.Snapshot(r.Context())
		if err != nil {
			http.Error(w, "state unavailable", http.StatusServiceUnavailable)
			return
		}
		out := nowPlaying{Snapshot: snap}
		if d.Upstream != nil {
			st := d.Upstream.State()
			out.Connected = st == upstream.Connected
			out.Upstream = st.String()
		}
		if d.Pool != nil {
			out.Clients = d.Pool.Count()
		}
		writeJSON(w, out)
	})

	// GET /healthz: 503 once the connector has given up.
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		if d.Upstream != nil && d.Upstream.Exhausted() {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]string{"status": "upstream unavailable"})
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}
