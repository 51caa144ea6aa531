// Package publish hands newly accepted incidents to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"exploitwatch/internal/config"
	"exploitwatch/internal/incident"
)

const defaultMaxLen int64 = 10000

// Event is the wire shape of an accepted incident.
type Event struct {
	ContentHash string    `json:"content_hash"`
	Chain       string    `json:"chain"`
	Protocol    string    `json:"protocol,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	AmountUSD   *string   `json:"amount_usd"`
	OccurredAt  time.Time `json:"occurred_at"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Source      string    `json:"source"`
	SourceRef   string    `json:"source_ref,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// NewEvent converts inc to its published form.
func NewEvent(inc incident.Incident) Event {
	ev := Event{
		ContentHash: inc.ContentHash,
		Chain:       inc.Chain,
		Protocol:    inc.Protocol,
		TxHash:      inc.TxHash,
		OccurredAt:  inc.OccurredAt.UTC(),
		Category:    inc.Category,
		Description: inc.Description,
		Source:      inc.SourceName,
		SourceRef:   inc.SourceRef,
		FirstSeenAt: inc.FirstSeenAt.UTC(),
	}
	if inc.AmountUSD.Valid {
		amount := inc.AmountUSD.Decimal.String()
		ev.AmountUSD = &amount
	}
	return ev
}

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends every accepted incident to a Redis stream.
type RedisStream struct {
	rdb    streamAdder
	stream string
	maxLen int64
	logger zerolog.Logger
}

// NewRedisClient opens and pings a client for cfg.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// NewRedisStream builds a stream sink. maxLen <= 0 uses the default trim length.
func NewRedisStream(rdb streamAdder, stream string, maxLen int64, logger zerolog.Logger) *RedisStream {
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	return &RedisStream{
		rdb:    rdb,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With().Str("component", "redis_sink").Logger(),
	}
}

func (s *RedisStream) Name() string { return "redis:" + s.stream }

// Publish XADDs each record with approximate MAXLEN trimming. It stops at
// the first failure.
func (s *RedisStream) Publish(ctx context.Context, records iter.Seq[incident.Incident]) error {
	n := 0
	for inc := range records {
		payload, err := json.Marshal(NewEvent(inc))
		if err != nil {
			return fmt.Errorf("encode incident %s: %w", inc.ContentHash, err)
		}
		args := &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]any{
				"content_hash": inc.ContentHash,
				"payload":      payload,
			},
		}
		if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
			return fmt.Errorf("redis: stream append %s: %w", s.stream, err)
		}
		n++
	}
	s.logger.Debug().Int("published", n).Str("stream", s.stream).Msg("published incidents")
	return nil
}

// Log writes accepted incidents to the logger.
type Log struct {
	logger zerolog.Logger
}

// NewLog builds a log sink.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "log_sink").Logger()}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Publish(_ context.Context, records iter.Seq[incident.Incident]) error {
	for inc := range records {
		event := l.logger.Info().
			Str("hash", inc.ContentHash).
			Str("chain", inc.Chain).
			Str("protocol", inc.Protocol).
			Str("category", inc.Category).
			Time("occurred_at", inc.OccurredAt).
			Str("source", inc.SourceName)
		if inc.AmountUSD.Valid {
			event = event.Str("amount_usd", inc.AmountUSD.Decimal.String())
		}
		event.Msg("new incident")
	}
	return nil
}
