package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"predflow/config"
	"predflow/logger"
	"predflow/models"
)

const redisWriteTimeout = 2 * time.Second

// RedisMirror pushes the latest per-key state into Redis for out-of-process
// consumers: SET book:{venue}:{market}:{outcome}, market:{venue}:{market},
// health:{venue}, plus a Pub/Sub notification per event when a channel is
// configured. Mirror failures are logged, never propagated into the
// pipeline.
type RedisMirror struct {
	client  *redis.Client
	channel string
	log     *logger.Log
}

func NewRedisMirror(cfg config.RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	return &RedisMirror{
		client:  client,
		channel: cfg.Channel,
		log:     logger.GetLogger(),
	}, nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}

// Apply mirrors one event. Registered as a bus handler.
func (m *RedisMirror) Apply(ev models.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()

	switch d := ev.Data.(type) {
	case models.MarketInfo:
		m.set(ctx, fmt.Sprintf("market:%s:%s", ev.VenueID, d.Market.MarketID), d.Market)
	case models.BookSnapshot:
		for _, book := range d.Books {
			m.set(ctx, fmt.Sprintf("book:%s:%s:%s", ev.VenueID, book.MarketID, book.OutcomeID), book)
		}
	case models.BookDelta:
		for _, book := range d.Books {
			m.set(ctx, fmt.Sprintf("book:%s:%s:%s", ev.VenueID, book.MarketID, book.OutcomeID), book)
		}
	case models.HealthSnapshot:
		m.set(ctx, fmt.Sprintf("health:%s", ev.VenueID), d)
	default:
		return
	}

	if m.channel != "" {
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		if err := m.client.Publish(ctx, m.channel, payload).Err(); err != nil {
			m.log.WithComponent("redis_mirror").WithError(err).Warn("publish failed")
		}
	}
}

func (m *RedisMirror) set(ctx context.Context, key string, value interface{}) {
	payload, err := json.Marshal(value)
	if err != nil {
		m.log.WithComponent("redis_mirror").WithError(err).WithFields(logger.Fields{"key": key}).Warn("marshal failed")
		return
	}
	if err := m.client.Set(ctx, key, payload, 0).Err(); err != nil {
		m.log.WithComponent("redis_mirror").WithError(err).WithFields(logger.Fields{"key": key}).Warn("set failed")
	}
}
