package redis

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/stockfolio/trading-service/internal/config"
)

type Message struct {
	Channel string
	Payload string
}

// Subscriber fans pub/sub messages from per-symbol channels into a single
// Messages channel for the websocket manager.
type Subscriber struct {
	client        *redis.Client
	Messages      chan Message
	subscriptions map[string]*redis.PubSub
	mu            sync.RWMutex
	log           *slog.Logger
}

func NewSubscriber(cfg config.RedisConfig, log *slog.Logger) *Subscriber {
	return &Subscriber{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		Messages:      make(chan Message, 1000),
		subscriptions: make(map[string]*redis.PubSub),
		log:           log,
	}
}

func (s *Subscriber) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[channel]; exists {
		return nil
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		s.log.Error("failed to subscribe to redis channel", "channel", channel, "error", err)
		return err
	}

	s.subscriptions[channel] = pubsub
	s.log.Info("subscribed to redis channel", "channel", channel)

	go s.listener(ctx, pubsub)

	return nil
}

func (s *Subscriber) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pubsub, exists := s.subscriptions[channel]
	if !exists {
		return nil
	}

	delete(s.subscriptions, channel)

	if err := pubsub.Unsubscribe(ctx, channel); err != nil {
		s.log.Error("failed to unsubscribe from channel", "channel", channel, "error", err)
	}

	if err := pubsub.Close(); err != nil {
		s.log.Warn("error closing pubsub", "channel", channel, "error", err)
	}

	s.log.Info("unsubscribed from redis channel", "channel", channel)
	return nil
}

func (s *Subscriber) listener(ctx context.Context, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			select {
			case s.Messages <- Message{Channel: msg.Channel, Payload: msg.Payload}:
			default:
				s.log.Warn("messages channel full, dropping message")
			}
		}
	}
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pubsub := range s.subscriptions {
		pubsub.Close()
	}

	if s.client != nil {
		s.client.Close()
	}

	if s.Messages != nil {
		close(s.Messages)
	}
}
