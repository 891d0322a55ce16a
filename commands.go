package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/mopirelay/internal/app"
	"github.com/petervdpas/mopirelay/internal/auth"
	"github.com/petervdpas/mopirelay/internal/config"
	"github.com/petervdpas/mopirelay/internal/storage"
)

func newServeCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the relay until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configArg(args)
			cfg, created, err := config.Ensure(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote default config to %s\n", path)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "mopirelay %s: relaying %s at %s/ws (Ctrl+C to stop)\n",
				appVersion, cfg.Upstream.URL, strings.Replace(app.ViewerURL(cfg.Viewer.HTTPAddr), "http", "ws", 1))
			return app.Run(ctx, app.Options{CfgPath: path, Cfg: cfg, Watch: watch})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload log levels when the config file changes")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		user   int64
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history [config]",
		Short: "Print recent playback log rows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args, func(db *storage.DB) error {
				var uid *int64
				if cmd.Flags().Changed("user") {
					uid = &user
				}
				rows, err := db.RecentPlaybackLog(limit, uid)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), rows)
				}
				tw := newTable(cmd.OutOrStdout(), "TIME", "EVENT", "USER", "TRACK", "ARTIST", "POS", "VOL", "QUEUE")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
						stamp(r.TimestampMs), r.EventType, optInt64(r.UserID), r.TrackName, r.ArtistName,
						optInt(r.PositionMs), optInt(r.Volume), r.QueueLength)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "rows to show")
	cmd.Flags().Int64Var(&user, "user", 0, "only rows attributed to this user")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newCommandsCmd() *cobra.Command {
	var (
		limit  int
		user   int64
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "commands [config]",
		Short: "Print a user's recent audited commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args, func(db *storage.DB) error {
				rows, err := db.RecentCommands(user, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), rows)
				}
				tw := newTable(cmd.OutOrStdout(), "TIME", "METHOD", "CATEGORY", "TARGET", "REL", "PLAYING")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						stamp(r.TimestampMs), r.Method, r.Category, r.TargetLabel, optInt(r.RelativePos), r.TrackName)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "rows to show")
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var (
		limit int
		user  int64
	)
	cmd := &cobra.Command{
		Use:   "sessions [config]",
		Short: "Print a user's listening sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args, func(db *storage.DB) error {
				rows, err := db.UserSessions(user, limit)
				if err != nil {
					return err
				}
				tw := newTable(cmd.OutOrStdout(), "SESSION", "STARTED", "ENDED", "TRACKS")
				for _, s := range rows {
					ended := "open"
					if s.EndedMs != nil {
						ended = stamp(*s.EndedMs)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.ID, stamp(s.StartedMs), ended, s.TrackCount)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "sessions to show")
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAffinityCmd() *cobra.Command {
	var (
		limit  int
		user   int64
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "affinity [config]",
		Short: "Print a user's top tracks and artists by score",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(args, func(db *storage.DB) error {
				tracks, err := db.TopTracks(user, limit)
				if err != nil {
					return err
				}
				artists, err := db.TopArtists(user, limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), map[string]any{"tracks": tracks, "artists": artists})
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "Tracks")
				tw := newTable(out, "SCORE", "PLAYS", "SKIPS", "TRACK", "ARTIST")
				for _, t := range tracks {
					fmt.Fprintf(tw, "%.3f\t%d\t%d\t%s\t%s\n", t.Score, t.PlayCount, t.SkipCount, t.TrackName, t.ArtistName)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				fmt.Fprintln(out)
				fmt.Fprintln(out, "Artists")
				tw = newTable(out, "SCORE", "PLAYS", "SKIPS", "ARTIST")
				for _, a := range artists {
					fmt.Fprintf(tw, "%.3f\t%d\t%d\t%s\n", a.Score, a.PlayCount, a.SkipCount, a.ArtistName)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "rows per table")
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		user int64
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [config]",
		Short: "Sign a browser token for a user with the configured secret",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfig(args)
			if err != nil {
				return err
			}
			v := auth.New(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
			if !v.Enabled() {
				return errors.New("auth.jwt_secret is not set")
			}
			tok, err := v.Sign(user, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().Int64Var(&user, "user", 0, "user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), appVersion)
			return err
		},
	}
}

// ── helpers ──────────────────────────────────────────────────────────────────

// readConfig loads the config without creating one. A missing file means
// defaults.
func readConfig(args []string) (config.Config, error) {
	path := configArg(args)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func withDB(args []string, fn func(*storage.DB) error) error {
	cfg, err := readConfig(args)
	if err != nil {
		return err
	}
	db, err := storage.Open(app.DBPath(configArg(args), cfg))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	return fn(db)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(headers, "\t"))
	return tw
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stamp(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func optInt(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}

func optInt64(p *int64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}
