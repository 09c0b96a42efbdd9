// 程序入口：读取配置、组装层级/要素/展示提供方与会话管理器并启动服务；接口注册在 internal/api
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"geo-cascade/internal/api"
	"geo-cascade/internal/cache"
	"geo-cascade/internal/filter"
	"geo-cascade/internal/hierarchy"
	"geo-cascade/internal/ingest"
	"geo-cascade/internal/logger"
	"geo-cascade/internal/middleware"
	"geo-cascade/internal/migrate"
	"geo-cascade/internal/provider"
	"geo-cascade/internal/session"
	"geo-cascade/internal/utils"

	"github.com/expr-lang/expr/vm"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiBase := envOr("API_BASE", "/api")
	l.Debug("config_api_base", "base", apiBase)

	cat, err := hierarchy.LoadCatalogue(os.Getenv("VARIANTS_FILE"))
	if err != nil {
		l.Error("catalogue_error", "err", err)
		os.Exit(1)
	}
	l.Info("catalogue_ready", "variants", cat.Names())

	hSrc := envOr("HIERARCHY_SOURCE", "postgres")
	fSrc := envOr("FEATURE_SOURCE", hSrc)
	l.Debug("config_sources", "hierarchy", hSrc, "features", fSrc)

	var db *sql.DB
	if hSrc == "postgres" || fSrc == "postgres" || os.Getenv("INGEST_URL") != "" {
		db, err = utils.OpenPostgresFromEnv()
		if err != nil {
			l.Error("db_open_error", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := utils.PingPostgres(ctx, db, 5*time.Second); err != nil {
			l.Error("db_ping_error", "err", err)
		} else {
			l.Info("db_ping_ok")
		}
		if err := migrate.EnsureSchema(ctx, db); err != nil {
			l.Error("schema_error", "err", err)
			os.Exit(1)
		}
	}

	matcher := filter.NewMatcher(filter.WithProgramCache(cache.NewLRU[*vm.Program](envInt("FILTER_PROGRAM_CACHE", 256), 0)))
	reg := provider.NewRegistry(time.Duration(envInt("HEARTBEAT_INTERVAL_S", 30)) * time.Second)

	var fileStore *provider.Memory
	open := func(kind, endpointKey string) any {
		switch kind {
		case "http":
			ep := os.Getenv(endpointKey)
			if ep == "" {
				l.Error("provider_endpoint_missing", "key", endpointKey)
				os.Exit(1)
			}
			p := provider.NewHTTP(kind+":"+ep, ep, provider.WithHTTPClient(&http.Client{Timeout: time.Duration(envInt("PROVIDER_TIMEOUT_S", 5)) * time.Second}))
			reg.Register(p)
			return p
		case "file":
			if fileStore == nil {
				dir := envOr("FEATURE_DIR", filepath.Join("data", "geo"))
				m, err := provider.LoadDir(dir, matcher)
				if err != nil {
					l.Error("filestore_error", "dir", dir, "err", err)
					os.Exit(1)
				}
				n, f := m.Counts()
				l.Info("filestore_ready", "dir", dir, "nodes", n, "features", f)
				reg.Register(m)
				fileStore = m
			}
			return fileStore
		case "postgres":
			pg := provider.AttachDB(db)
			reg.Register(pg)
			return pg
		}
		return nil
	}
	nodes, _ := open(hSrc, "HIERARCHY_ENDPOINT").(provider.HierarchyProvider)
	feats, _ := open(fSrc, "FEATURE_ENDPOINT").(provider.FeatureProvider)
	if nodes == nil || feats == nil {
		l.Error("provider_unsupported", "hierarchy", hSrc, "features", fSrc)
		os.Exit(1)
	}

	var rc *redis.Client
	if os.Getenv("PROVIDER_CACHE_ENABLED") != "false" {
		rc = utils.OpenRedisFromEnv()
		if rc == nil {
			l.Info("redis_disabled")
		} else if err := utils.PingRedis(ctx, rc, 2*time.Second); err != nil {
			l.Error("redis_ping_error", "err", err)
			rc = nil
		} else {
			l.Info("redis_ping_ok")
		}
		ttl := time.Duration(envInt("PROVIDER_CACHE_TTL_S", 600)) * time.Second
		c := provider.NewCached("cached", nodes, feats, cache.NewLRU[[]byte](envInt("PROVIDER_CACHE_SIZE", 2048), ttl), rc, ttl)
		nodes, feats = c, c
	}

	deps := session.Deps{
		Nodes:      nodes,
		Features:   feats,
		BaseSource: envOr("BASE_SOURCE", "osm"),
		FitPadding: float64(envInt("FIT_PADDING", 50)),
		FitAnimate: time.Duration(envInt("FIT_DURATION_MS", 1000)) * time.Millisecond,
	}
	if ep := os.Getenv("DISPLAY_ENDPOINT"); ep != "" {
		d := provider.NewHTTP("display", ep, provider.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))
		reg.Register(d)
		deps.Display = d
		l.Info("display_enabled", "endpoint", ep)
	}
	reg.Check(ctx)
	reg.Start(ctx)

	mgr := session.NewManager(cat, deps, time.Duration(envInt("SESSION_IDLE_S", 1800))*time.Second, envInt("SESSION_MAX", 1000))
	mgr.Start(ctx, time.Minute)

	if src := os.Getenv("INGEST_URL"); src != "" && db != nil {
		layer := os.Getenv("INGEST_LAYER")
		go func() {
			if err := ingest.EnsureInitialized(ctx, db, src, layer); err != nil {
				l.Error("ingest_init_error", "err", err)
			}
		}()
		ingest.StartWeekly(ctx, db, src, layer)
	}

	mux := http.NewServeMux()
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, api.BuildRoutes(mgr, reg)))
	ui := envOr("UI_DIST", filepath.Join("ui", "dist"))
	if _, err := os.Stat(ui); err == nil {
		mux.Handle("/", http.FileServer(http.Dir(ui)))
		l.Debug("config_ui_dir", "dir", ui)
	}
	// 向前端暴露 API 基础路径，避免硬编码
	mux.HandleFunc("/config.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/javascript; charset=utf-8")
		w.Header().Set("cache-control", "no-store")
		_, _ = w.Write([]byte("window.__API_BASE__='" + apiBase + "'\n"))
	})

	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler)
	addr := envOr("ADDR", ":8080")
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		mgr.CloseAll(sctx)
	}()

	if os.Getenv("TLS_ENABLE") == "true" {
		certPath := envOr("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt"))
		keyPath := envOr("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key"))
		if err := utils.EnsureSelfSignedCert(certPath, keyPath, "geo-cascade.local"); err != nil {
			l.Error("tls_cert_error", "err", err)
			os.Exit(1)
		}
		l.Info("listening_tls", "addr", addr, "cert", certPath)
		err = srv.ListenAndServeTLS(certPath, keyPath)
	} else {
		l.Info("listening", "addr", addr)
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
	l.Info("server_stopped")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// envInt 解析失败或为负数时回退到 def。
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}
