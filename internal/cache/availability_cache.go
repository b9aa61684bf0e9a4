package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/capsulecabs/seat-inventory-backend/internal/config"
	"github.com/capsulecabs/seat-inventory-backend/internal/models"
)

// AvailabilityCache keeps short-lived seat summaries in redis so the seat-map
// listing endpoints stay off the primary store. It is deliberately stale
// tolerant: the locking engine is the source of truth and invalidation is
// best effort. A nil cache is valid and disables caching.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// New creates an AvailabilityCache, or nil when no redis address is
// configured
func New(cfg config.RedisConfig, logger *logrus.Logger) *AvailabilityCache {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &AvailabilityCache{client: client, ttl: cfg.CacheTTL, logger: logger}
}

func summaryKey(routeID uuid.UUID, travelDate time.Time) string {
	return fmt.Sprintf("availability:%s:%s", routeID, travelDate.Format("2006-01-02"))
}

// GetSummary returns a cached summary, or false on miss or any redis error
func (c *AvailabilityCache) GetSummary(ctx context.Context, routeID uuid.UUID, travelDate time.Time) (*models.SeatSummary, bool) {
	if c == nil {
		return nil, false
	}

	payload, err := c.client.Get(ctx, summaryKey(routeID, travelDate)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Debug("Availability cache read failed")
		}
		return nil, false
	}

	var summary models.SeatSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, false
	}
	return &summary, true
}

// SetSummary stores a summary with the configured TTL. Best effort.
func (c *AvailabilityCache) SetSummary(ctx context.Context, routeID uuid.UUID, travelDate time.Time, summary models.SeatSummary) {
	if c == nil {
		return
	}

	payload, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, summaryKey(routeID, travelDate), payload, c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("Availability cache write failed")
	}
}

// Invalidate drops the cached summary after a mutation. Best effort; a stale
// entry only lives until its TTL anyway.
func (c *AvailabilityCache) Invalidate(ctx context.Context, routeID uuid.UUID, travelDate time.Time) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, summaryKey(routeID, travelDate)).Err(); err != nil {
		c.logger.WithError(err).Debug("Availability cache invalidation failed")
	}
}

// Close releases the redis connection
func (c *AvailabilityCache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
