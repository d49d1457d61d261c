package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatgate/config"
	"chatgate/data/mongoutil"
	"chatgate/logger"
	"chatgate/service/broker"
	"chatgate/service/chat"
	"chatgate/service/message"
	"chatgate/service/storage"
	"chatgate/service/user"
	"chatgate/tools/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("load config", zap.Error(err))
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	logger.Info("starting gateway", zap.String("instance_id", cfg.InstanceID), zap.String("addr", cfg.Addr()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// shared TTL store
	store, err := storage.New(storage.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	}, cfg.InstanceID)
	if err != nil {
		logger.Error("redis", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	// persistence
	db, closeDB, err := mongoutil.Connect(ctx, mongoutil.Config{
		URI:         cfg.MongoURI,
		Database:    cfg.MongoDatabase,
		MaxPoolSize: cfg.MongoPoolSize,
	})
	if err != nil {
		logger.Error("mongo", zap.Error(err))
		os.Exit(1)
	}
	defer closeDB()

	msgStore := message.NewStore(db)
	if err := msgStore.EnsureIndexes(ctx); err != nil {
		logger.Warn("message indexes", zap.Error(err))
	}
	directory := user.NewDirectory(db)

	// broker
	bus, err := broker.New(broker.Config{
		Brokers:      cfg.KafkaBrokers,
		Partitions:   cfg.KafkaPartitions,
		Replication:  cfg.KafkaReplication,
		Retries:      cfg.KafkaRetries,
		GroupPrefix:  cfg.KafkaGroupPrefix,
		InstanceID:   cfg.InstanceID,
		InitialReset: cfg.KafkaInitialReset,
	})
	if err != nil {
		logger.Error("kafka", zap.Error(err))
		os.Exit(1)
	}
	defer bus.Close()
	if err := bus.EnsureTopics([]string{broker.TopicMessages, broker.TopicPresence, broker.TopicNotifications}); err != nil {
		logger.Error("ensure topics", zap.Error(err))
		os.Exit(1)
	}

	verifier := security.NewVerifier(security.DefaultOptions([]byte(cfg.JWTSecret)))

	srv := chat.NewServer(chat.Options{
		InstanceID:        cfg.InstanceID,
		Host:              cfg.Host,
		Port:              cfg.Port,
		ServiceTTL:        cfg.ServiceTTL,
		PresenceTTL:       cfg.PresenceTTL,
		SessionTTL:        cfg.SessionTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxContentLength:  cfg.MaxContentLength,
		SendQueueSize:     cfg.SendQueueSize,
	}, msgStore, directory, store, bus, verifier)

	srv.BindBroker(bus)
	go bus.Start(ctx)
	go srv.RunHeartbeat(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	srv.Routes(r)

	httpSrv := &http.Server{Addr: cfg.Addr(), Handler: r}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
