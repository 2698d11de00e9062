package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/LuKev/chess-db-sub001/internal/jobs"
)

// RedisQueue keeps one list per kind. Dequeue atomically moves the payload to
// a processing list with BLMOVE; Ack removes it from there. Payloads left in
// processing lists by a crashed process are put back by Recover.
type RedisQueue struct {
	client *redis.Client
	prefix string
	block  time.Duration
	log    zerolog.Logger

	mu       sync.Mutex
	inflight map[jobs.Payload]string
}

var _ Queue = (*RedisQueue)(nil)

// RedisConfig configures a RedisQueue.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Logger    zerolog.Logger
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisQueue(client *redis.Client, cfg RedisConfig) *RedisQueue {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chessdb"
	}
	return &RedisQueue{
		client:   client,
		prefix:   prefix,
		block:    2 * time.Second,
		log:      cfg.Logger.With().Str("component", "queue").Logger(),
		inflight: make(map[jobs.Payload]string),
	}
}

func (q *RedisQueue) pendingKey(kind jobs.Kind) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, kind)
}

func (q *RedisQueue) processingKey(kind jobs.Kind) string {
	return fmt.Sprintf("%s:processing:%s", q.prefix, kind)
}

func (q *RedisQueue) Enqueue(ctx context.Context, p jobs.Payload) error {
	if p.EnqueuedAt.IsZero() {
		p.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(p.Kind), b).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", p, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, kind jobs.Kind) (jobs.Payload, error) {
	for {
		if err := ctx.Err(); err != nil {
			return jobs.Payload{}, err
		}
		raw, err := q.client.BLMove(ctx, q.pendingKey(kind), q.processingKey(kind), "RIGHT", "LEFT", q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return jobs.Payload{}, ctx.Err()
			}
			return jobs.Payload{}, fmt.Errorf("dequeue %s: %w", kind, err)
		}

		var p jobs.Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			q.log.Error().Err(err).Str("raw", raw).Msg("dropping undecodable payload")
			_ = q.client.LRem(ctx, q.processingKey(kind), 1, raw).Err()
			continue
		}
		q.mu.Lock()
		q.inflight[p] = raw
		q.mu.Unlock()
		return p, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, p jobs.Payload) error {
	q.mu.Lock()
	raw, ok := q.inflight[p]
	delete(q.inflight, p)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	if err := q.client.LRem(ctx, q.processingKey(p.Kind), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", p, err)
	}
	return nil
}

// Recover moves everything in the processing lists back to the head of the
// pending lists. Call it once at startup, before any worker dequeues.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for _, kind := range jobs.Kinds {
		for {
			err := q.client.LMove(ctx, q.processingKey(kind), q.pendingKey(kind), "LEFT", "RIGHT").Err()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, fmt.Errorf("recover %s: %w", kind, err)
			}
			moved++
		}
	}
	if moved > 0 {
		q.log.Info().Int("payloads", moved).Msg("recovered unacknowledged payloads")
	}
	return moved, nil
}

// Len returns the number of pending payloads of kind.
func (q *RedisQueue) Len(ctx context.Context, kind jobs.Kind) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey(kind)).Result()
}
