// 程序入口：仅负责读取配置、初始化依赖并启动服务；API 注册在 internal/api 以便扩展
package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fegydm/sendeliver-sub000/internal/api"
	"github.com/fegydm/sendeliver-sub000/internal/directory"
	"github.com/fegydm/sendeliver-sub000/internal/fleet"
	"github.com/fegydm/sendeliver-sub000/internal/logger"
	"github.com/fegydm/sendeliver-sub000/internal/maps"
	"github.com/fegydm/sendeliver-sub000/internal/metrics"
	"github.com/fegydm/sendeliver-sub000/internal/middleware"
	"github.com/fegydm/sendeliver-sub000/internal/migrate"
	"github.com/fegydm/sendeliver-sub000/internal/store"
	"github.com/fegydm/sendeliver-sub000/internal/utils"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load(".env")
	// 日志初始化
	l := logger.Setup()
	l.Debug("log_init_ok")
	apiBase := os.Getenv("API_BASE")
	if apiBase == "" {
		apiBase = "/api"
	}
	l.Debug("config_api_base", "base", apiBase)

	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	l.Info("db_open_ok")
	if err := db.Ping(); err != nil {
		l.Error("db_ping_error", "err", err)
	} else {
		l.Info("db_ping_ok")
	}
	st := store.AttachDB(db)
	if err := migrate.EnsureSchema(db); err != nil {
		l.Error("schema_error", "err", err)
		os.Exit(1)
	}

	rc := utils.OpenRedisFromEnv()
	if rc == nil {
		l.Info("redis_disabled")
	} else {
		if err := rc.Ping(context.Background()).Err(); err != nil {
			l.Error("redis_ping_error", "err", err)
		} else {
			l.Info("redis_ping_ok")
		}
	}

	// 缓存 TTL 统一配置（秒），适用于参考缓存与渲染产物缓存
	ttl := 5 * time.Minute
	if s := os.Getenv("GEO_CACHE_TTL_S"); s != "" {
		if n, e := strconv.Atoi(s); e == nil && n > 0 {
			ttl = time.Duration(n) * time.Second
		}
	}
	l.Debug("config_cache_ttl", "ttl_s", int(ttl.Seconds()))

	dir := directory.New(st, ttl)
	fl := fleet.New(st)
	mp := maps.New(st, ttl, rc)
	metrics.RegisterCacheEntries("directory", dir.CacheEntries)
	metrics.RegisterCacheEntries("maps", mp.CacheEntries)
	l.Info("engines_ready", "max_distance_km", fl.MaxDistanceKM())

	mux := http.NewServeMux()
	apiMux := api.BuildRoutes(dir, fl, mp, st)
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, apiMux))
	mux.Handle(apiBase+"/metrics", metrics.Handler())

	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler)
	s := &http.Server{Addr: addr, Handler: handler}
	if os.Getenv("TLS_ENABLE") == "true" {
		certPath := os.Getenv("TLS_CERT_PATH")
		keyPath := os.Getenv("TLS_KEY_PATH")
		if certPath == "" {
			certPath = filepath.Join("data", "certs", "server.crt")
		}
		if keyPath == "" {
			keyPath = filepath.Join("data", "certs", "server.key")
		}
		_ = utils.EnsureSelfSignedCert(certPath, keyPath, "geodir.local")
		l.Info("listening_tls", "addr", addr, "cert", certPath)
		_ = s.ListenAndServeTLS(certPath, keyPath)
		return
	}
	l.Info("listening", "addr", addr)
	_ = s.ListenAndServe()
}
