package routes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/petervdpas/mopirelay/internal/viewer/logtail"
)

// logQuery reads ?subsystem=state&level=warn&limit=50.
func logQuery(r *http.Request) (logtail.Query, error) {
	v := r.URL.Query()
	q := logtail.Query{
		Subsystem: v.Get("subsystem"),
		Level:     v.Get("level"),
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit %q: not a non-negative integer", s)
		}
		q.Limit = n
	}
	return q, q.Validate()
}

func registerAPILogRoutes(mux *http.ServeMux, d Deps) {
	if d.Logs == nil {
		return
	}
	logs := d.Logs

	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		q, err := logQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, logs.Tail(q))
	})

	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		q, err := logQuery(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch, cancel := logs.Follow(q)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					return
				}
				b, _ := json.Marshal(e)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Level, b)
				flusher.Flush()
			}
		}
	})
}
