package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/mopirelay/internal/auth"
	"github.com/petervdpas/mopirelay/internal/bus"
	"github.com/petervdpas/mopirelay/internal/fanout"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxCommandSize = 1 << 20
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 65536,
	// the relay sits behind the web UI's own origin checks
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerWSRoutes(mux *http.ServeMux, d Deps) {
	// GET /ws: one browser. Frames from upstream are copied out, commands
	// from the browser go through the pool to the state actor and upstream.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		user := userOf(d.Auth, r)

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		h := d.Pool.NewHandle(user)
		if err := d.Pool.Register(r.Context(), h); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopping"),
				time.Now().Add(writeWait))
			return
		}
		defer d.Pool.Unregister(h)
		log.Debugf("browser %s connected (user %v)", h.ID, user != nil)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			defer cancel()
			readCommands(ctx, conn, d.Pool, h)
		}()
		writeFrames(ctx, conn, h)
		log.Debugf("browser %s disconnected", h.ID)
	})
}

// userOf resolves the socket's user. Missing or bad tokens leave it anonymous.
func userOf(v *auth.Verifier, r *http.Request) *int64 {
	if !v.Enabled() {
		return nil
	}
	id, err := v.UserID(r)
	if err != nil {
		if !errors.Is(err, auth.ErrNoToken) {
			log.Debugf("browser token rejected: %v", err)
		}
		return nil
	}
	return &id
}

func readCommands(ctx context.Context, conn *websocket.Conn, pool *fanout.Pool, h *fanout.Handle) {
	conn.SetReadLimit(maxCommandSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			continue
		}
		if err := pool.SendToUpstream(ctx, h, data); err != nil {
			log.Warnf("browser %s: %v", h.ID, err)
		}
	}
}

func writeFrames(ctx context.Context, conn *websocket.Conn, h *fanout.Handle) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-h.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return

		case m := <-h.C():
			kind := websocket.TextMessage
			if m.Kind == bus.FrameBinary {
				kind = websocket.BinaryMessage
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(kind, m.Data); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
