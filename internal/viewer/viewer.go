// Package viewer is the relay's HTTP boundary: the browser websocket and a
// few JSON endpoints for operators.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mopirelay/internal/auth"
	"github.com/petervdpas/mopirelay/internal/fanout"
	"github.com/petervdpas/mopirelay/internal/viewer/logtail"
	"github.com/petervdpas/mopirelay/internal/viewer/routes"
)

var log = logging.Logger("viewer")

const shutdownGrace = 5 * time.Second

type Viewer struct {
	Pool     *fanout.Pool
	State    routes.Snapshotter
	Upstream routes.Status
	Auth     *auth.Verifier
	Logs     *logtail.Buffer
}

// Handler builds the mux without starting a server.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	routes.Register(mux, routes.Deps{
		Pool:     v.Pool,
		State:    v.State,
		Upstream: v.Upstream,
		Auth:     v.Auth,
		Logs:     v.Logs,
	})
	return mux
}

// Start serves addr until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warnf("shutdown: %v", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
