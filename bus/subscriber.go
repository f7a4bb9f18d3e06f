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

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"

	"github.com/crossvault/go-crossvault/types"
)

// Handler consumes one normalized message. Errors are logged by the
// subscriber; they do not stop delivery.
type Handler func(ctx context.Context, msg *types.Message) error

// Subscriber delivers channel messages to a handler, one at a time, in
// arrival order. Pause unsubscribes while holding the connection; Resume
// re-subscribes.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
	Pause() error
	Resume(ctx context.Context) error
	Close() error
}

type redisSubscriber struct {
	client  *redis.Client
	channel string
	log     log.Logger

	mu      sync.Mutex
	pubsub  *redis.PubSub
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
	paused  bool
}

// NewSubscriber connects a subscriber; delivery starts with Subscribe.
func NewSubscriber(ctx context.Context, opts Options) (Subscriber, error) {
	client := redis.NewClient(opts.redisOptions())
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect subscriber: %w", err)
	}
	return &redisSubscriber{
		client:  client,
		channel: opts.Channel,
		log:     log.New("module", "bus"),
	}, nil
}

func (s *redisSubscriber) Subscribe(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return fmt.Errorf("already subscribed to %s", s.channel)
	}
	s.handler = handler
	return s.startLocked(ctx)
}

// startLocked opens the pubsub and launches the delivery loop. Caller
// holds the lock.
func (s *redisSubscriber) startLocked(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.pubsub = pubsub
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, pubsub, s.done)
	s.log.Info("Subscribed", "channel", s.channel)
	return nil
}

// loop delivers messages sequentially; a handler error is logged and the
// next message is processed.
func (s *redisSubscriber) loop(ctx context.Context, pubsub *redis.PubSub, done chan struct{}) {
	defer close(done)
	ch := pubsub.Channel()
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			msg, err := types.DecodeMessage([]byte(raw.Payload))
			if err != nil {
				s.log.Warn("Dropping undecodable message", "err", err)
				continue
			}
			if err := s.handler(ctx, msg); err != nil {
				s.log.Error("Handler failed", "txHash", msg.Metadata.TxHash, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSubscriber) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub == nil || s.paused {
		return nil
	}
	s.stopLocked()
	s.paused = true
	s.log.Info("Subscriber paused", "channel", s.channel)
	return nil
}

func (s *redisSubscriber) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return nil
	}
	if err := s.startLocked(ctx); err != nil {
		return err
	}
	s.paused = false
	s.log.Info("Subscriber resumed", "channel", s.channel)
	return nil
}

// stopLocked tears down the pubsub and waits for the loop to drain.
// Caller holds the lock.
func (s *redisSubscriber) stopLocked() {
	if s.pubsub == nil {
		return
	}
	s.cancel()
	s.pubsub.Close()
	<-s.done
	s.pubsub = nil
}

func (s *redisSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return s.client.Close()
}
