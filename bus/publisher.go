// Copyright 2025 The go-crossvault Authors
// This file is part of the go-crossvault library.
//
// The go-crossvault library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-crossvault library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-crossvault library. If not, see <http://www.gnu.org/licenses/>.

// Package bus is the pub/sub transport between the indexer and the
// consumer: a Redis channel carrying JSON-encoded messages. Ordering is
// per publisher; batch publishes are sorted by message timestamp and sent
// in one pipeline.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/crossvault/go-crossvault/types"
)

const (
	connectTimeout = 10 * time.Second
	commandTimeout = 5 * time.Second
)

// Options configures the Redis connection shared by publisher and
// subscriber.
type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	Database int
	TLS      bool
	Channel  string
}

func (o Options) redisOptions() *redis.Options {
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", o.Host, o.Port),
		Username:     o.Username,
		Password:     o.Password,
		DB:           o.Database,
		DialTimeout:  connectTimeout,
		ReadTimeout:  commandTimeout,
		WriteTimeout: commandTimeout,
	}
	if o.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Publisher publishes messages onto the configured channel.
type Publisher interface {
	Publish(ctx context.Context, msg *types.Message) error
	// PublishBatch sorts by message timestamp ascending and sends the
	// batch in one pipeline, reporting a single outcome.
	PublishBatch(ctx context.Context, msgs []*types.Message) error
	Connected(ctx context.Context) bool
	Close() error
}

type redisPublisher struct {
	client  *redis.Client
	channel string
	log     log.Logger
}

// NewPublisher connects a publisher; the initial ping is bounded by the
// connect timeout.
func NewPublisher(ctx context.Context, opts Options) (Publisher, error) {
	client := redis.NewClient(opts.redisOptions())
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect publisher: %w", err)
	}
	return &redisPublisher{
		client:  client,
		channel: opts.Channel,
		log:     log.New("module", "bus"),
	}, nil
}

func (p *redisPublisher) Publish(ctx context.Context, msg *types.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *redisPublisher) PublishBatch(ctx context.Context, msgs []*types.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ordered := SortByTimestamp(msgs)
	pipe := p.client.Pipeline()
	for _, msg := range ordered {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", msg.Metadata.TxHash, err)
		}
		pipe.Publish(ctx, p.channel, payload)
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish batch of %d: %w", len(ordered), err)
	}
	p.log.Debug("Published batch", "count", len(ordered), "channel", p.channel)
	return nil
}

func (p *redisPublisher) Connected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return p.client.Ping(ctx).Err() == nil
}

func (p *redisPublisher) Close() error { return p.client.Close() }

// SortByTimestamp returns the messages ordered by ascending timestamp
// without mutating the input. The sort is stable so equal timestamps keep
// their block order.
func SortByTimestamp(msgs []*types.Message) []*types.Message {
	out := make([]*types.Message, len(msgs))
	copy(out, msgs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
