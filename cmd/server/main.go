package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/labstack/gommon/log"

	"roomlink/api"
	"roomlink/config"
	"roomlink/pkg/msgbroker"
)

func main() {
	cfg := config.Get()

	broker := newBroker(cfg)
	defer broker.Close()

	a, err := api.New(cfg, broker)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		log.Infof("listening on :%d", cfg.HttpPort)
		if err := a.Start(); err != nil {
			log.Info(err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		log.Error(err)
	}
}

// newBroker picks redis when configured, so multiple server instances
// share signaling traffic; a single instance runs on the in-memory one.
func newBroker(cfg *config.Config) msgbroker.MessageBroker {
	if cfg.RedisAddr == "" {
		log.Info("REDIS_ADDR not set, using in-process broker")
		return msgbroker.NewMemoryBroker()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping().Err(); err != nil {
		log.Fatalf("redis unreachable at %s: %v", cfg.RedisAddr, err)
	}
	return msgbroker.NewRedisBroker(client)
}
