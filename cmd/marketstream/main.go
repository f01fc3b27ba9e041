package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/finsight/marketstream/internal/auth"
	"github.com/finsight/marketstream/internal/config"
	"github.com/finsight/marketstream/internal/feed"
	"github.com/finsight/marketstream/internal/stream"
	"github.com/finsight/marketstream/internal/ws"
	"github.com/finsight/marketstream/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(os.Getenv("MARKETSTREAM_CONFIG"))
	if err != nil {
		zapLogger.Fatal("load configuration", zap.Error(err))
	}

	// Core components: index, registry (cascading into the index), router.
	index := stream.NewSubscriptionIndex()
	registry := stream.NewRegistry(index, cfg.WS.SendQueueSize, zapLogger)
	router := stream.NewRouter(registry, index, cfg.WS.RouterBuffer, zapLogger)

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Leeway, zapLogger)
	hub := ws.NewHub(cfg.WS, registry, index, router, verifier, zapLogger)

	router.Start()

	// Upstream feeds.
	feedCtx, stopFeeds := context.WithCancel(context.Background())
	defer stopFeeds()

	if cfg.Feed.Redis.Enabled {
		redisFeed := feed.NewRedisFeed(cfg.Feed.Redis, router, zapLogger)
		go func() {
			if err := redisFeed.Run(feedCtx); err != nil && feedCtx.Err() == nil {
				zapLogger.Error("redis feed stopped", zap.Error(err))
			}
		}()
		defer redisFeed.Close()
	}
	if cfg.Feed.Kafka.Enabled {
		kafkaFeed := feed.NewKafkaFeed(cfg.Feed.Kafka, router, zapLogger)
		go func() {
			if err := kafkaFeed.Run(feedCtx); err != nil && feedCtx.Err() == nil {
				zapLogger.Error("kafka feed stopped", zap.Error(err))
			}
		}()
		defer kafkaFeed.Close()
	}

	// HTTP surface.
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(ginzap.Ginzap(zapLogger, "", false))
	engine.Use(ginzap.RecoveryWithZap(zapLogger, true))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	hub.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: engine,
	}

	go func() {
		zapLogger.Info("marketstream listening", zap.String("addr", cfg.Server.Addr()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	stopFeeds()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("http shutdown", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		zapLogger.Warn("hub shutdown", zap.Error(err))
	}
	router.Stop()

	zapLogger.Info("shutdown complete")
}
