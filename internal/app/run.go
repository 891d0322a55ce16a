// Package app wires the relay together and supervises its goroutines.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/petervdpas/mopirelay/internal/auth"
	"github.com/petervdpas/mopirelay/internal/bus"
	"github.com/petervdpas/mopirelay/internal/config"
	"github.com/petervdpas/mopirelay/internal/fanout"
	"github.com/petervdpas/mopirelay/internal/state"
	"github.com/petervdpas/mopirelay/internal/storage"
	"github.com/petervdpas/mopirelay/internal/upstream"
	"github.com/petervdpas/mopirelay/internal/viewer"
	"github.com/petervdpas/mopirelay/internal/viewer/logtail"
)

var log = logging.Logger("app")

// drainTimeout bounds the final flush of queued database writes.
const drainTimeout = 5 * time.Second

type Options struct {
	CfgPath string
	Cfg     config.Config

	// Watch reloads log levels when the config file changes.
	Watch bool
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. Queued database writes are flushed before returning.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	logBuf := logtail.New(cfg.Viewer.LogBuffer)
	capture := logBuf.Capture()
	defer capture.Close()

	if err := cfg.ApplyLogging(); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logBanner(opt.CfgPath, cfg)

	// ── Storage
	db, err := storage.Open(DBPath(opt.CfgPath, cfg))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	writer := storage.NewWriter(db, cfg.Storage.WriteQueue)
	wctx, wcancel := context.WithCancel(context.Background())
	werr := make(chan error, 1)
	go func() { werr <- writer.Run(wctx) }()
	defer func() {
		fctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := writer.Flush(fctx); err != nil {
			log.Warnf("flush database writes: %v", err)
		}
		wcancel()
		<-werr
		if n := writer.Dropped(); n > 0 {
			log.Warnf("%d rows dropped on a full write queue", n)
		}
		if n := writer.Failed(); n > 0 {
			log.Warnf("%d rows failed to write", n)
		}
	}()

	// ── Relay core
	b := bus.New()
	defer b.Close()

	conn := upstream.New(upstream.Options{
		URL:         cfg.Upstream.URL,
		MaxRetries:  cfg.Upstream.MaxRetries,
		BackoffBase: config.Ms(cfg.Upstream.BackoffBaseMs),
		BackoffCap:  config.Ms(cfg.Upstream.BackoffCapMs),
		ReadTimeout: config.Ms(cfg.Upstream.ReadTimeoutMs),
		DialTimeout: config.Ms(cfg.Upstream.DialTimeoutMs),
	}, b)

	actor := state.New(state.Options{
		AttributionTTL: config.Ms(cfg.Tracking.AttributionTTLMs),
		VolumeDebounce: config.Ms(cfg.Tracking.VolumeDebounceMs),
		SessionGap:     config.Ms(cfg.Tracking.SessionGapMs),
		PendingTTL:     config.Ms(cfg.Tracking.PendingRequestTTLMs),
		SweepInterval:  config.Ms(cfg.Tracking.SweepIntervalMs),
		IDBase:         cfg.Tracking.ActorIDBase,
	}, b, writer)

	pool := fanout.New(b, actor, cfg.Clients.QueueSize)

	// Subscribe before anything publishes so no consumer misses the
	// first connected event.
	// The actor's subscription buffers at least a full mailbox so a busy
	// actor does not cost it frames.
	stateSub := b.SubscribeOrdered("state", actor.Mailbox())
	poolSub := b.Subscribe("fanout", 0)

	verifier := auth.New(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return actor.Run(gctx, stateSub) })
	g.Go(func() error { return pool.Run(gctx, poolSub) })
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error {
		err := viewer.Start(gctx, cfg.Viewer.HTTPAddr, viewer.Viewer{
			Pool:     pool,
			State:    actor,
			Upstream: conn,
			Auth:     verifier,
			Logs:     logBuf,
		})
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
		return nil
	})

	if opt.Watch && opt.CfgPath != "" {
		g.Go(func() error {
			return config.Watch(gctx, opt.CfgPath, func(next config.Config) {
				if err := next.ApplyLogging(); err != nil {
					log.Warnf("reload log levels: %v", err)
					return
				}
				log.Infof("log level now %s", next.Log.Level)
			})
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("relay stopped")
	return nil
}
