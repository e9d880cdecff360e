package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"modbus-tagpoller/internal/config"
)

// Valkey keeps the latest event of every tag under <prefix>:<tag> and, when
// enabled, announces each event on <prefix>:changes.
type Valkey struct {
	cfg    config.ValkeyConfig
	client *redis.Client
}

func NewValkey(ctx context.Context, cfg config.ValkeyConfig) (*Valkey, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey %s: %w", cfg.Address, err)
	}
	return &Valkey{cfg: cfg, client: client}, nil
}

func (v *Valkey) Name() string { return "valkey" }

// Key returns the value key for a tag.
func (v *Valkey) Key(name string) string { return v.cfg.KeyPrefix + ":" + name }

// Channel returns the change notification channel.
func (v *Valkey) Channel() string { return v.cfg.KeyPrefix + ":changes" }

func (v *Valkey) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = v.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, v.Key(e.Tag), data, v.cfg.TTL)
		if v.cfg.Publish {
			p.Publish(ctx, v.Channel(), data)
		}
		return nil
	})
	return err
}

func (v *Valkey) Close() error { return v.client.Close() }
