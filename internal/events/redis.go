package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xtrntr/stocksim/internal/config"
	"github.com/xtrntr/stocksim/internal/models"
	"go.uber.org/zap"
)

const publishTimeout = 2 * time.Second

// NewRedisClient connects to Redis and checks it is reachable
func NewRedisClient(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// QuotePublisher mirrors the latest quotes into a Redis hash and announces
// each tick on a pub/sub channel
type QuotePublisher struct {
	client  redis.Cmdable
	key     string
	channel string
	log     *zap.Logger
}

// NewQuotePublisher creates a publisher writing to key and channel
func NewQuotePublisher(client redis.Cmdable, key, channel string, log *zap.Logger) *QuotePublisher {
	return &QuotePublisher{client: client, key: key, channel: channel, log: log}
}

// encodeQuotes returns the hash fields, one JSON quote per code, and the
// snapshot payload for the channel
func encodeQuotes(quotes map[string]models.Quote) (map[string]interface{}, []byte, error) {
	fields := make(map[string]interface{}, len(quotes))
	for code, q := range quotes {
		b, err := json.Marshal(q)
		if err != nil {
			return nil, nil, err
		}
		fields[code] = string(b)
	}
	payload, err := json.Marshal(quotes)
	if err != nil {
		return nil, nil, err
	}
	return fields, payload, nil
}

// Publish replaces the quote hash and publishes the snapshot
func (p *QuotePublisher) Publish(quotes map[string]models.Quote) {
	fields, payload, err := encodeQuotes(quotes)
	if err != nil {
		p.log.Error("failed to encode quotes", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key)
		if len(fields) > 0 {
			pipe.HSet(ctx, p.key, fields)
		}
		pipe.Publish(ctx, p.channel, payload)
		return nil
	})
	if err != nil {
		p.log.Warn("failed to publish quotes to redis", zap.Error(err))
	}
}
