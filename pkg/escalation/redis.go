package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openfroyo/pathrunner/pkg/engine"
)

// RedisConfig configures a RedisSink.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Stream is the stream key records are added to.
	Stream string

	// MaxLen approximately caps the stream length; zero keeps everything.
	MaxLen int64

	DialTimeout time.Duration
}

// RedisSink appends escalation records to a Redis stream for downstream consumers.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink connects a stream sink. The connection is established lazily.
func NewRedisSink(cfg RedisConfig) (*RedisSink, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "pathrunner:escalations"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  1,
	})
	return &RedisSink{client: rdb, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

// Escalate adds the record to the stream. The stream entry id acknowledges it.
func (s *RedisSink) Escalate(ctx context.Context, record engine.EscalationRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":             record.ID,
			"correlation_id": record.CorrelationID,
			"action":         record.Action.Name,
			"record":         string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("redis stream append failed: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
