package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/hookline/internal/config"
)

const keyWebhookIngestProvider = "webhook:ingest:provider:%s"

// WebhookIngestLimiter throttles inbound deliveries per provider and
// serializes replays of the same event across instances. A nil limiter
// (rate limiting disabled) allows everything.
type WebhookIngestLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *replayLocker

	providerRate  float64
	providerBurst int
}

func NewWebhookIngestLimiter(cfg config.Config) (*WebhookIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.WebhookRate <= 0 || limitCfg.WebhookBurst <= 0 {
		return nil, errors.New("webhook rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &WebhookIngestLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		locker:        newReplayLocker(client),
		providerRate:  limitCfg.WebhookRate,
		providerBurst: limitCfg.WebhookBurst,
	}, nil
}

func (l *WebhookIngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *WebhookIngestLimiter) AllowProvider(ctx context.Context, provider string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keyWebhookIngestProvider, strings.ToLower(strings.TrimSpace(provider)))
	return l.bucket.Allow(ctx, key, l.providerRate, l.providerBurst)
}

func (l *WebhookIngestLimiter) TryLockReplay(ctx context.Context, eventRecordID int64) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.Acquire(ctx, eventRecordID)
}

func (l *WebhookIngestLimiter) ReleaseReplay(ctx context.Context, eventRecordID int64, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, eventRecordID, token)
}
