package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/praxisline/agentd/common/bus"
	"github.com/praxisline/agentd/common/config"
	"github.com/praxisline/agentd/common/db"
	"github.com/praxisline/agentd/common/logger"
	"github.com/praxisline/agentd/common/metrics"
	redisWrapper "github.com/praxisline/agentd/common/redis"
)

// Setup initializes all service components in dependency order:
// config, logger, database, redis, metrics, event bus.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	components := &Components{}

	cfg := o.customConfig
	if cfg == nil {
		loaded, err := config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	components.Config = cfg

	log := o.customLogger
	if log == nil {
		log = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	components.Logger = log

	log.Info("bootstrapping service",
		"service", cfg.Service.Name,
		"environment", cfg.Service.Environment)

	if !o.skipDB {
		database, err := db.New(ctx, cfg, log)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("connect database: %w", err)
		}
		components.DB = database
		components.addCleanup(func() error {
			database.Close()
			return nil
		})
	}

	if !o.skipRedis {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		components.Redis = redisWrapper.NewClient(rdb, log)
		components.addCleanup(func() error {
			return rdb.Close()
		})
		log.Info("redis connected", "addr", cfg.RedisAddr())
	}

	components.Metrics = metrics.New(prometheus.DefaultRegisterer)
	if components.DB != nil {
		components.DB.RegisterPoolMetrics(prometheus.DefaultRegisterer)
	}
	components.Bus = bus.New(log)

	return components, nil
}
