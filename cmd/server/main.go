package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"relaychat/internal/auth"
	"relaychat/internal/config"
	"relaychat/internal/db"
	clog "relaychat/internal/log"
	"relaychat/internal/presence"
	"relaychat/internal/rooms"
	"relaychat/internal/routing"
	"relaychat/internal/server"
	"relaychat/internal/service"
	"relaychat/internal/store"
	"relaychat/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// main 函数负责加载配置、初始化日志、选择存储并启动 Gin 服务。
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load")
	}
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}

	ctx := context.Background()
	gw, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("store open")
	}

	p := presence.NewRegistry()
	r := rooms.NewRegistry(p)
	router := routing.New(gw, p, r)
	hub := ws.NewHub(p, r, router)
	chat := service.NewChat(router, gw, p, r)

	engine, stopLimiter := server.SetupRouter(cfg, chat, hub, auth.NewJWT(cfg.JWTSecret))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	// 收到 SIGINT/SIGTERM 后按顺序停服：先断开 WebSocket，再停 HTTP，最后关闭存储。
	wait := gfshutdown.GracefulShutdown(ctx, shutdownTimeout, map[string]gfshutdown.Operation{
		"relaychat": func(ctx context.Context) error {
			log.Info().Msg("shutdown signal received")
			// Hijacked websocket connections are not tracked by http.Server.
			hub.Shutdown()
			err := srv.Shutdown(ctx)
			stopLimiter()
			closeStore()
			return err
		},
	})
	code := <-wait
	log.Info().Int("code", code).Msg("server stopped")
	os.Exit(code)
}

// openStore 根据 STORE_DRIVER 选择消息存储；配置了 REDIS_ADDR 时叠加历史缓存。
func openStore(ctx context.Context, cfg config.Config) (store.Gateway, func(), error) {
	var (
		gw      store.Gateway
		closers []func()
	)
	switch cfg.StoreDriver {
	case "mongo":
		m, err := store.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, err
		}
		gw = m
		closers = append(closers, func() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.Close(cctx)
		})
	default:
		dsn := cfg.DatabaseDSN
		if cfg.StoreDriver == db.DriverSQLite {
			dsn = cfg.SQLitePath
		}
		gdb, err := db.Connect(cfg.StoreDriver, dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(gdb); err != nil {
			return nil, nil, err
		}
		gw = store.NewGorm(gdb)
		closers = append(closers, func() {
			if sqlDB, err := gdb.DB(); err == nil {
				_ = sqlDB.Close()
			}
		})
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, history cache disabled")
			_ = rdb.Close()
		} else {
			gw = store.NewCached(gw, rdb, "", cfg.HistoryCacheTTL)
			closers = append(closers, func() { _ = rdb.Close() })
		}
	}

	return gw, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}
