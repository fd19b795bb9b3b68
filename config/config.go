package config

import (
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/labstack/gommon/log"
)

type Config struct {
	HttpPort      int           `envconfig:"HTTP_PORT" required:"true"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" required:"false"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" required:"false"`
	RedisDB       int           `envconfig:"REDIS_DB" required:"false" default:"0"`
	RoomTTL       time.Duration `envconfig:"ROOM_TTL" required:"false" default:"3600s"`
	MaxWorkers    int           `envconfig:"MAX_WORKERS" required:"false" default:"16"`
}

var (
	c    Config
	once sync.Once
)

func Get() *Config {
	once.Do(func() {
		err := envconfig.Process("", &c)
		if err != nil {
			log.Fatal(err)
		}
	})
	return &c
}
