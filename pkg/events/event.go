// Package events publishes a notification after a data source was saved, so
// that schedulers and catalog sync jobs can pick it up.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Onboarded is published once per successful wizard save.
type Onboarded struct {
	DatasourceID int64     `json:"ds_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	TypeName     string    `json:"type_name"`
	OriginType   string    `json:"origin_type"`
	Mode         string    `json:"mode"` // "wizard" | "concatenate"
	Updated      bool      `json:"updated"`
	Tables       []string  `json:"tables"`
	SavedAt      time.Time `json:"saved_at"`
}

// Marshal renders the wire payload.
func (e Onboarded) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// Publisher delivers Onboarded events.
type Publisher interface {
	Publish(ctx context.Context, ev Onboarded) error
	Close() error
}

// Config selects and configures a publisher.
type Config struct {
	Type string `yaml:"type"` // redis | kafka | rabbitmq | log | "" (disabled)

	// redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTL      int    `yaml:"ttl"` // seconds the last-state key lives; 0 = no expiry

	// kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// rabbitmq
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// New creates the publisher named by cfg.Type. Network publishers connect
// lazily on first Publish.
func New(cfg Config, logger zerolog.Logger) (Publisher, error) {
	switch cfg.Type {
	case "", "none":
		return Nop{}, nil
	case "log":
		return NewLogPublisher(logger), nil
	case "redis":
		return NewRedisPublisher(cfg)
	case "kafka":
		return NewKafkaPublisher(cfg)
	case "rabbitmq":
		return NewRabbitPublisher(cfg)
	default:
		return nil, fmt.Errorf("unsupported event publisher: %s (supported: redis, kafka, rabbitmq, log)", cfg.Type)
	}
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Onboarded) error { return nil }
func (Nop) Close() error                             { return nil }

// LogPublisher writes events to the log, for development.
type LogPublisher struct {
	log zerolog.Logger
}

func NewLogPublisher(l zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: l}
}

func (p *LogPublisher) Publish(_ context.Context, ev Onboarded) error {
	p.log.Info().
		Int64("ds_id", ev.DatasourceID).
		Str("name", ev.Name).
		Str("type", ev.Type).
		Str("origin", ev.OriginType).
		Strs("tables", ev.Tables).
		Bool("updated", ev.Updated).
		Msg("data source onboarded")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
