package infra

import (
	"context"
	"fmt"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruslano69/dsonboard/pkg/audit"
	"github.com/ruslano69/dsonboard/pkg/crypto"
	"github.com/ruslano69/dsonboard/pkg/events"
)

// Infra holds the live handles shared by both binaries.
type Infra struct {
	Cipher    *crypto.Cipher
	Publisher events.Publisher

	// dev-mode event store; nil in production
	miniEvents *miniredis.Miniredis
	redis      *redis.Client
}

// Setup derives the configuration cipher and creates the event publisher.
//   - dev=true with events.type "redis" and no address: an in-process
//     miniredis receives the events.
//   - otherwise the publisher named by events.type is used as configured.
func Setup(cfg *Config, dev bool) (*Infra, error) {
	key, err := crypto.KeyFromSecret(cfg.Security.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("infra: secret key: %w", err)
	}
	c, err := crypto.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("infra: cipher: %w", err)
	}
	inf := &Infra{Cipher: c}

	if dev && cfg.Events.Type == "redis" && cfg.Events.Addr == "" {
		inf.miniEvents, err = miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("infra: miniredis events: %w", err)
		}
		inf.redis = redis.NewClient(&redis.Options{Addr: inf.miniEvents.Addr()})
		if err := inf.redis.Ping(context.Background()).Err(); err != nil {
			inf.Close()
			return nil, fmt.Errorf("infra: events redis ping: %w", err)
		}
		inf.Publisher = events.NewRedisPublisherWithClient(inf.redis, 0)
		log.Info().Str("events_redis", inf.miniEvents.Addr()).Msg("dev: in-process miniredis started")
		return inf, nil
	}

	inf.Publisher, err = events.New(cfg.Events, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("infra: events: %w", err)
	}
	return inf, nil
}

// DevEventsAddr is the address of the dev-mode miniredis, or "".
func (inf *Infra) DevEventsAddr() string {
	if inf.miniEvents == nil {
		return ""
	}
	return inf.miniEvents.Addr()
}

// Close releases all infrastructure resources.
func (inf *Infra) Close() {
	if inf.Publisher != nil {
		_ = inf.Publisher.Close()
	}
	if inf.redis != nil {
		_ = inf.redis.Close()
	}
	if inf.miniEvents != nil {
		inf.miniEvents.Close()
	}
}

// NewAuditLogger builds the audit trail: the logger always, the rotated file
// when audit.file.path is set.
func NewAuditLogger(cfg AuditConfig, l zerolog.Logger) (*audit.Logger, error) {
	appenders := []audit.Appender{audit.NewLogAppender(l)}
	if cfg.File.Path != "" {
		fa, err := audit.NewFileAppender(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("infra: audit file: %w", err)
		}
		appenders = append(appenders, fa)
	}
	return audit.NewLogger(audit.Config{
		Async:      cfg.Async,
		BufferSize: cfg.BufferSize,
		OnError: func(err error) {
			l.Error().Err(err).Msg("audit write failed")
		},
	}, appenders...), nil
}
