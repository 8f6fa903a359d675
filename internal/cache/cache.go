// Package cache holds the Redis-backed read caches: per-user usage views and
// the short-lived fallback-reconciliation summaries surfaced by status polls.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"atelier/internal/domain"
)

const (
	// UsageTTL bounds how stale a cached usage view may be.
	UsageTTL = 5 * time.Minute
	// FallbackTTL keeps reconciliation summaries around long enough for a
	// client polling job status to surface them.
	FallbackTTL = time.Hour

	maxHistoryMonths = 12
)

// ErrMiss is returned when a key is absent.
var ErrMiss = errors.New("cache miss")

// Client wraps the Redis commands the service uses.
type Client struct {
	rdb redis.UniversalClient
}

// NewClient builds a cache client on top of an established Redis connection.
func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

func usageSummaryKey(userID string) string {
	return fmt.Sprintf("usage_summary:%s", userID)
}

func usageHistoryKey(userID string, months int) string {
	return fmt.Sprintf("usage_history:%s:%d", userID, months)
}

func fallbackKey(jobID string) string {
	return fmt.Sprintf("fallback:%s", jobID)
}

// InvalidateUsage drops the user's cached usage summary and every history
// window. Called by the ledger and the job pipeline after quota mutations.
func (c *Client) InvalidateUsage(ctx context.Context, userID string) error {
	keys := make([]string, 0, maxHistoryMonths+1)
	keys = append(keys, usageSummaryKey(userID))
	for months := 1; months <= maxHistoryMonths; months++ {
		keys = append(keys, usageHistoryKey(userID, months))
	}
	return c.rdb.Del(ctx, keys...).Err()
}

// GetUsageSummary loads a cached usage summary payload.
func (c *Client) GetUsageSummary(ctx context.Context, userID string, dest any) error {
	return c.getJSON(ctx, usageSummaryKey(userID), dest)
}

// SetUsageSummary caches a usage summary payload.
func (c *Client) SetUsageSummary(ctx context.Context, userID string, value any) error {
	return c.setJSON(ctx, usageSummaryKey(userID), value, UsageTTL)
}

// GetUsageHistory loads a cached usage history payload for the window.
func (c *Client) GetUsageHistory(ctx context.Context, userID string, months int, dest any) error {
	return c.getJSON(ctx, usageHistoryKey(userID, months), dest)
}

// SetUsageHistory caches a usage history payload for the window.
func (c *Client) SetUsageHistory(ctx context.Context, userID string, months int, value any) error {
	return c.setJSON(ctx, usageHistoryKey(userID, months), value, UsageTTL)
}

// StoreFallbackSummary caches a job's reconciliation summary with a bounded TTL.
func (c *Client) StoreFallbackSummary(ctx context.Context, jobID string, summary domain.FallbackSummary) error {
	return c.setJSON(ctx, fallbackKey(jobID), summary, FallbackTTL)
}

// DeleteFallbackSummary drops a job's cached reconciliation summary. The
// pipeline clears it on entry so a retried attempt never surfaces a previous
// attempt's summary.
func (c *Client) DeleteFallbackSummary(ctx context.Context, jobID string) error {
	return c.rdb.Del(ctx, fallbackKey(jobID)).Err()
}

// LoadFallbackSummary returns the cached reconciliation summary, or ErrMiss.
func (c *Client) LoadFallbackSummary(ctx context.Context, jobID string) (*domain.FallbackSummary, error) {
	var summary domain.FallbackSummary
	if err := c.getJSON(ctx, fallbackKey(jobID), &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func (c *Client) getJSON(ctx context.Context, key string, dest any) error {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (c *Client) setJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, ttl).Err()
}
