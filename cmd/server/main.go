package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"roomchat/internal/chat"
	"roomchat/internal/config"
	"roomchat/internal/db"
	clog "roomchat/internal/log"
	"roomchat/internal/presence"
	"roomchat/internal/pubsub"
	"roomchat/internal/relay"
	"roomchat/internal/server"
	"roomchat/internal/service"
	"roomchat/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库，组装聊天引擎后启动 HTTP 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	broker := pubsub.NewBroker()
	tracker := presence.NewTracker()
	roomSvc := service.NewRoomService(gdb, tracker)
	msgSvc := service.NewMessageService(gdb)
	userSvc := service.NewUserService(gdb, cfg)

	var rl *relay.Relay
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		rl = relay.New(rdb, broker, relay.DefaultChannel)
		broker.SetRelay(rl)
	}

	engine := chat.NewEngine(broker, tracker, roomSvc, msgSvc, chat.Options{MaxMessageLength: cfg.MaxMessageLength})
	hub := ws.NewHub(engine, cfg)
	r := server.SetupRouter(cfg, gdb, hub, server.NewHandler(userSvc, roomSvc, msgSvc))

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Msg("server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if rl != nil {
		g.Go(func() error { return rl.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		// Shutdown 不会关闭已升级的 WebSocket 连接。
		hub.CloseAll()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}
