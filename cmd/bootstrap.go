package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/commitpool/settlement-service/internal/app"
	"github.com/commitpool/settlement-service/internal/config"
	"github.com/commitpool/settlement-service/internal/logger"
	"github.com/commitpool/settlement-service/internal/store"
	"github.com/commitpool/settlement-service/pkg/payoutclient"
	rmrabbit "github.com/commitpool/settlement-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// components is everything a command needs to drive the settlement service.
type components struct {
	cfg       config.Config
	db        *pgxpool.Pool
	redis     *redis.Client
	publisher rmrabbit.Publisher
	service   *app.Service
}

func (c *components) Close() {
	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.redis != nil {
		c.redis.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}

// connectDatabase opens the PostgreSQL pool and checks it answers.
func connectDatabase(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database url parse failed: %w", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return dbpool, nil
}

// connectRedis returns nil when Redis is not configured or unreachable; joins then fall back to
// the in-process limiter.
func connectRedis(ctx context.Context, redisURL string, log zerolog.Logger) *redis.Client {
	if strings.TrimSpace(redisURL) == "" {
		return nil
	}
	redisOptions, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn().Err(err).Msg("redis url parse failed; using in-process join limiter")
		return nil
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed; using in-process join limiter")
		client.Close()
		return nil
	}
	log.Info().Msg("redis connected")
	return client
}

// buildComponents wires the repository, limiter, publisher and disburser into a Service.
// migrate applies the schema before the service is built.
func buildComponents(ctx context.Context, cfg config.Config, migrate bool) (*components, error) {
	log := logger.GetForComponent("bootstrap")
	c := &components{cfg: cfg}

	var repo store.Repository
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		log.Warn().Msg("using in-memory storage; pools are lost on restart")
		repo = store.NewMemoryRepository()
	default:
		dbpool, err := connectDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		c.db = dbpool
		log.Info().Msg("database connected")

		if migrate {
			if err := store.Migrate(ctx, dbpool); err != nil {
				c.Close()
				return nil, err
			}
			log.Info().Msg("schema applied")
		}
		repo = store.NewPostgresRepository(dbpool)
	}

	var limiter app.JoinRateLimiter
	if cfg.JoinRateLimitPerMinute > 0 {
		c.redis = connectRedis(ctx, cfg.RedisURL, log)
		if c.redis != nil {
			limiter = app.NewRedisJoinRateLimiter(c.redis, cfg.RedisRateLimitPrefix, cfg.JoinRateLimitPerMinute, time.Minute)
		} else {
			limiter = app.NewLocalJoinRateLimiter(cfg.JoinRateLimitPerMinute, time.Minute)
		}
	}

	producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq producer unavailable; using fallback")
		c.publisher = &rmrabbit.EventProducerFallback{}
	} else {
		log.Info().Msg("rabbitmq producer connected")
		c.publisher = producer
	}

	var disburser app.Disburser
	if cfg.PayoutMode == config.PayoutModeHTTP {
		disburser = app.NewHTTPDisburser(repo, payoutclient.NewClient(cfg.PayoutAPIBaseURL, cfg.PayoutAPIKey))
		log.Info().Str("payout_api", cfg.PayoutAPIBaseURL).Msg("payouts executed through the payout api")
	}

	c.service = app.NewService(repo, app.Options{
		Publisher:         c.publisher,
		Disburser:         disburser,
		Limiter:           limiter,
		Logger:            logger.GetForComponent("settlement"),
		EventsExchange:    cfg.EventsExchange,
		DefaultVerifierID: cfg.DefaultVerifierID,
		SettlerID:         cfg.SettlerID,
	})
	return c, nil
}
