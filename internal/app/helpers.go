package app

import (
	"path/filepath"
	"strings"

	"github.com/petervdpas/mopirelay/internal/config"
	"github.com/petervdpas/mopirelay/internal/util"
)

// ViewerURL turns a listen address into something a browser can open.
func ViewerURL(cfgAddr string) string {
	a := strings.TrimSpace(cfgAddr)
	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}
	return "http://" + a
}

// DBPath resolves storage.db_path against the config file's directory.
func DBPath(cfgPath string, cfg config.Config) string {
	return util.ResolvePath(filepath.Dir(cfgPath), cfg.Storage.DBPath)
}

func logBanner(cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("mopirelay")
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" Upstream    : %s", cfg.Upstream.URL)
	log.Infof(" Database    : %s", DBPath(cfgPath, cfg))
	log.Infof(" Browsers    : %s/ws", strings.Replace(ViewerURL(cfg.Viewer.HTTPAddr), "http", "ws", 1))
	if cfg.Auth.JWTSecret == "" {
		log.Info(" Auth        : disabled, all browsers anonymous")
	}
	log.Info("────────────────────────────────────────")
}
