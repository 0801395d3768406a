// Package notify fans ledger lifecycle notifications out over watermill.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"

	"github.com/wsuo/argochainhub-platform-sub001/internal/logging"
	"github.com/wsuo/argochainhub-platform-sub001/internal/model/conversation"
)

// DefaultTopic carries session lifecycle notifications.
const DefaultTopic = "conversation.lifecycle"

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notification bus closed")

// Config selects the transport. An empty RedisAddr keeps everything in
// process.
type Config struct {
	Topic     string
	RedisAddr string
	// Buffer is the per-subscriber channel size for the in-process transport.
	Buffer int64
}

// Bus publishes and subscribes to lifecycle notifications.
type Bus struct {
	topic string
	pub   message.Publisher
	sub   message.Subscriber

	mu      sync.Mutex
	closed  bool
	closers []func() error
}

// New builds a bus for cfg.
func New(cfg Config) (*Bus, error) {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	logger := NewZerologAdapter(logging.Logger)

	if cfg.RedisAddr == "" {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.Buffer,
			Persistent:          false,
		}, logger)
		return &Bus{topic: cfg.Topic, pub: ch, sub: ch, closers: []func() error{ch.Close}}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}

	// no consumer group: every subscriber sees every notification
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("create redis subscriber: %w", err)
	}

	logging.Info().Str("addr", cfg.RedisAddr).Str("topic", cfg.Topic).Msg("notifications over redis streams")
	return &Bus{
		topic:   cfg.Topic,
		pub:     pub,
		sub:     sub,
		closers: []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// Topic returns the topic notifications are published on.
func (b *Bus) Topic() string { return b.topic }

// Publish sends n to every current subscriber.
func (b *Bus) Publish(ctx context.Context, n conversation.Notification) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(n.Type))
	msg.Metadata.Set("conversation_id", n.ConversationID)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return b.pub.Publish(b.topic, msg)
}

// Subscribe streams notifications until ctx is done. Messages are acked as
// soon as they are decoded; undecodable ones are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan conversation.Notification, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	msgs, err := b.sub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}

	out := make(chan conversation.Notification)
	go func() {
		defer close(out)
		for msg := range msgs {
			var n conversation.Notification
			err := json.Unmarshal(msg.Payload, &n)
			msg.Ack()
			if err != nil {
				logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping undecodable notification")
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the transport. Further publishes fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	closers := b.closers
	b.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
