// Package redis ships committed ledger and registry events to a Redis stream
// read by the indexing layer.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"subs_relay/internal/entity"
)

const (
	DefaultStream = "subs_relay:events"
	// approximate cap passed to XADD MAXLEN ~
	DefaultMaxLen = 100_000
)

type Publisher struct {
	client *goredis.Client
	stream string
	maxLen int64
}

type Option func(*Publisher)

func WithStream(stream string) Option {
	return func(p *Publisher) {
		if stream != "" {
			p.stream = stream
		}
	}
}

func WithMaxLen(n int64) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.maxLen = n
		}
	}
}

func NewPublisher(client *goredis.Client, opts ...Option) *Publisher {
	p := &Publisher{client: client, stream: DefaultStream, maxLen: DefaultMaxLen}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Publish appends every event to the stream in one pipeline, in order.
// Each entry carries the event id, its log sequence, kind and JSON payload.
func (p *Publisher) Publish(ctx context.Context, events ...*entity.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: true,
			Values: map[string]any{
				"id":      e.ID.String(),
				"seq":     strconv.FormatInt(e.Seq, 10),
				"kind":    string(e.Kind),
				"payload": string(payload),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

func (p *Publisher) Stream() string {
	return p.stream
}
