// Package routes holds the relay's HTTP handlers.
package routes

import (
	"context"
	"net/http"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mopirelay/internal/auth"
	"github.com/petervdpas/mopirelay/internal/fanout"
	"github.com/petervdpas/mopirelay/internal/playback"
	"github.com/petervdpas/mopirelay/internal/upstream"
	"github.com/petervdpas/mopirelay/internal/viewer/logtail"
)

var log = logging.Logger("viewer")

// Snapshotter is answered by the state actor.
type Snapshotter interface {
	Snapshot(ctx context.Context) (playback.Snapshot, error)
}

// Status reports the upstream connection.
type Status interface {
	State() upstream.State
	Exhausted() bool
}

type Deps struct {
	Pool     *fanout.Pool
	State    Snapshotter
	Upstream Status
	Auth     *auth.Verifier
	Logs     *logtail.Buffer
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerAPIRoutes(mux, d)
	registerWSRoutes(mux, d)
}
