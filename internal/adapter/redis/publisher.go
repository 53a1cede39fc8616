// Package redis implements the event publisher port over Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rylieai/handover/internal/config"
)

// Publisher emits engine events on "<prefix>:<event name>" channels.
type Publisher struct {
	rdb    *goredis.Client
	prefix string
}

// Connect dials Redis and verifies the connection with a PING.
func Connect(ctx context.Context, cfg config.Redis) (*Publisher, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "addr", cfg.Addr, "prefix", cfg.ChannelPrefix)
	return NewPublisher(rdb, cfg.ChannelPrefix), nil
}

// NewPublisher wraps an existing client.
func NewPublisher(rdb *goredis.Client, prefix string) *Publisher {
	return &Publisher{rdb: rdb, prefix: prefix}
}

// Channel returns the pub/sub channel for an event name.
func (p *Publisher) Channel(name string) string {
	if p.prefix == "" {
		return name
	}
	return p.prefix + ":" + name
}

// Emit implements eventbus.Publisher.
func (p *Publisher) Emit(ctx context.Context, name string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := p.rdb.Publish(ctx, p.Channel(name), raw).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", name, err)
	}
	return nil
}

// StartForwarder subscribes to every engine channel under the prefix and
// calls onEvent for each message until ctx is done. Used to relay events
// produced by other engine instances to local operator consoles.
func (p *Publisher) StartForwarder(ctx context.Context, onEvent func(name string, payload json.RawMessage)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	sub := p.rdb.PSubscribe(ctx, p.Channel("*"))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				name := m.Channel
				if p.prefix != "" {
					name = strings.TrimPrefix(name, p.prefix+":")
				}
				if !json.Valid([]byte(m.Payload)) {
					slog.Warn("bad redis event payload", "channel", m.Channel)
					continue
				}
				onEvent(name, json.RawMessage(m.Payload))
			}
		}
	}()
	return nil
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
