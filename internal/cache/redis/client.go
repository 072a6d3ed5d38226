package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/appeal-assistant/evolution/internal/storage/models"
	"github.com/appeal-assistant/evolution/pkg/logger"
)

const (
	snapshotKey    = "evolution:rules:active"
	generationKey  = "evolution:rules:generation"
	invalidateChan = "evolution:rules:invalidate"
)

// Snapshot is the shared form of the active-rule set published for other processes.
type Snapshot struct {
	Generation int64         `json:"generation"`
	LoadedAt   time.Time     `json:"loaded_at"`
	Rules      []models.Rule `json:"rules"`
}

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// PublishSnapshot stores the active-rule set with ttl and bumps the shared generation counter.
func (c *Client) PublishSnapshot(ctx context.Context, rules []models.Rule, ttl time.Duration) error {
	gen, err := c.client.Incr(ctx, generationKey).Result()
	if err != nil {
		return fmt.Errorf("failed to bump snapshot generation: %w", err)
	}

	data, err := encodeSnapshot(Snapshot{Generation: gen, LoadedAt: time.Now(), Rules: rules})
	if err != nil {
		return err
	}

	err = c.client.Set(ctx, snapshotKey, data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set rule snapshot: %w", err)
	}

	logger.Debug("Rule snapshot published", zap.Int64("generation", gen), zap.Int("rules", len(rules)))
	return nil
}

func (c *Client) GetSnapshot(ctx context.Context) (*Snapshot, bool, error) {
	data, err := c.client.Get(ctx, snapshotKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rule snapshot: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return nil, false, err
	}

	logger.Debug("Rule snapshot hit", zap.Int64("generation", snap.Generation))
	return snap, true, nil
}

// InvalidateSnapshot drops the shared snapshot and notifies subscribers.
func (c *Client) InvalidateSnapshot(ctx context.Context) error {
	if err := c.client.Del(ctx, snapshotKey).Err(); err != nil {
		return fmt.Errorf("failed to delete rule snapshot: %w", err)
	}
	if err := c.client.Publish(ctx, invalidateChan, time.Now().Unix()).Err(); err != nil {
		logger.Warn("Failed to publish invalidation", zap.Error(err))
	}
	return nil
}

// SubscribeInvalidations calls fn for every invalidation published by another process until ctx ends.
func (c *Client) SubscribeInvalidations(ctx context.Context, fn func()) {
	sub := c.client.Subscribe(ctx, invalidateChan)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				fn()
			}
		}
	}()
}

func encodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rule snapshot: %w", err)
	}
	return &s, nil
}
