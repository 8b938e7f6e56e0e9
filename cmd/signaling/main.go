package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/meetlite/signaling/config"
	"github.com/meetlite/signaling/internal/handlers"
	"github.com/meetlite/signaling/internal/redis"
	"github.com/meetlite/signaling/internal/signaling"
	"github.com/meetlite/signaling/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	var sessionStore store.Store
	if cfg.Redis.Addr != "" {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer client.Close()
		sessionStore = store.NewRedisStore(client, cfg.SessionTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis session store")
	} else {
		mem := store.NewMemoryStore(cfg.SessionTTL)
		mem.StartSweeper(ctx, cfg.SweepInterval)
		sessionStore = mem
		log.Info().Msg("using in-memory session store")
	}

	registry := signaling.NewRegistry()
	router := signaling.NewRouter(sessionStore, registry)

	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	r.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/create-session", handlers.CreateSession(sessionStore))
	r.GET("/is-alive", handlers.IsAlive(sessionStore))
	r.GET("/ws", handlers.HandleSignaling(router, cfg.ReadLimit, cfg.PingPeriod))

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited")
}
