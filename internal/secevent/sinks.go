package secevent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LogSink writes events as structured zerolog entries tagged component=security.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(base zerolog.Logger) *LogSink {
	return &LogSink{logger: base.With().Str("component", "security").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, ev Event) error {
	e := s.logger.Warn()
	if ev.Type != TypeDenied {
		e = s.logger.Info()
	}
	e.Str("event_id", ev.ID).
		Str("event", string(ev.Type)).
		Time("at", ev.At).
		Str("request_id", ev.RequestID).
		Str("identity", ev.IdentityID).
		Str("ip", ev.IP).
		Str("method", ev.Method).
		Str("route", ev.Route).
		Str("kind", string(ev.Kind)).
		Str("auth_method", ev.AuthMethod).
		Str("stage", ev.Stage).
		Msg(ev.Reason)
	return nil
}

// RedisStreamSink appends events to a capped Redis stream so an external
// consumer (SIEM forwarder, alerting) can tail them.
type RedisStreamSink struct {
	rdb     redis.UniversalClient
	stream  string
	maxLen  int64
	timeout time.Duration
}

type StreamOption func(*RedisStreamSink)

func WithMaxLen(n int64) StreamOption {
	return func(s *RedisStreamSink) { s.maxLen = n }
}

func WithWriteTimeout(d time.Duration) StreamOption {
	return func(s *RedisStreamSink) { s.timeout = d }
}

func NewRedisStreamSink(rdb redis.UniversalClient, stream string, opts ...StreamOption) *RedisStreamSink {
	s := &RedisStreamSink{
		rdb:     rdb,
		stream:  strings.TrimSpace(stream),
		maxLen:  100000,
		timeout: 100 * time.Millisecond,
	}
	if s.stream == "" {
		s.stream = "secgate:events"
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStreamSink) Name() string { return "redis_stream" }

func (s *RedisStreamSink) Write(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":          ev.ID,
			"type":        string(ev.Type),
			"at":          ev.At.UnixMilli(),
			"request_id":  ev.RequestID,
			"identity":    ev.IdentityID,
			"ip":          ev.IP,
			"method":      ev.Method,
			"route":       ev.Route,
			"kind":        string(ev.Kind),
			"reason":      ev.Reason,
			"auth_method": ev.AuthMethod,
			"stage":       ev.Stage,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// MemorySink keeps events in memory (tests, debugging endpoints).
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}
