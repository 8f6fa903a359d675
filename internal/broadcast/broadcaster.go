// Package broadcast publishes per-job progress events. Delivery is
// best-effort and at-most-once: a client that is not subscribed at publish
// time misses the event and falls back to polling job status.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rs/zerolog"
)

// Publisher is the contract the pipeline emits events through.
type Publisher interface {
	Publish(ctx context.Context, jobID string, event Event)
}

// ChannelFor names the logical channel for one job's event stream.
func ChannelFor(jobID string) string {
	return fmt.Sprintf("conversion:%s", jobID)
}

// RedisPublisher publishes events over Redis pub/sub, one channel per job.
// Ordering holds within a job because events for a job are published from a
// single goroutine; nothing is implied across jobs.
type RedisPublisher struct {
	rdb redis.UniversalClient
	log zerolog.Logger
}

// NewRedisPublisher builds a publisher on an established Redis connection.
func NewRedisPublisher(rdb redis.UniversalClient, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, log: log}
}

// Publish sends one event on the job's channel. Failures are logged and
// swallowed: a lost progress event must never fail the job producing it.
func (p *RedisPublisher) Publish(ctx context.Context, jobID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("job_id", jobID).Msg("broadcast: marshal event")
		return
	}
	if err := p.rdb.Publish(ctx, ChannelFor(jobID), payload).Err(); err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Str("event", event.Type).Msg("broadcast: publish failed")
	}
}

var _ Publisher = (*RedisPublisher)(nil)
