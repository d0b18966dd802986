// Package bus carries room notifications between publishers and the engine
// relay over watermill. The memory driver keeps everything in process; the
// redis driver uses Redis Streams so that other services can notify rooms by
// appending to the stream.
package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Metadata keys set on every notification message.
const (
	MetaRoom  = "room"
	MetaEvent = "event"
)

// Bus drivers accepted in Config.Driver.
const (
	// DriverMemory keeps notifications in process (watermill gochannel).
	DriverMemory = "memory"
	// DriverRedis reads and writes a Redis stream shared with other services.
	DriverRedis = "redis"
)

// Config selects and configures the bus driver.
type Config struct {
	Driver    string `yaml:"driver"`
	Topic     string `yaml:"topic"`
	RedisAddr string `yaml:"redis_addr"`
	Group     string `yaml:"group"`
	Consumer  string `yaml:"consumer"`
}

// DefaultConfig returns an in-memory bus on the "rooms" topic.
func DefaultConfig() Config {
	return Config{
		Driver:    DriverMemory,
		Topic:     "rooms",
		RedisAddr: "localhost:6379",
		Group:     "rosterpulse",
		Consumer:  "engine-1",
	}
}

// Notification is one event addressed to a room.
type Notification struct {
	Room  string
	Event string
	Data  json.RawMessage
}

// Bus pairs a publisher and subscriber bound to one topic.
type Bus struct {
	Topic      string
	Publisher  message.Publisher
	Subscriber message.Subscriber

	closers []func() error
}

// New connects the configured driver. For redis the server is pinged first so
// an unreachable Redis surfaces here rather than on the first publish.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		cfg.Topic = DefaultConfig().Topic
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{
			Topic:      cfg.Topic,
			Publisher:  ch,
			Subscriber: ch,
			closers:    []func() error{ch.Close},
		}, nil

	case DriverRedis:
		return newRedisBus(ctx, cfg, logger)

	default:
		return nil, errors.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

func newRedisBus(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.RedisAddr)
	}

	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: cfg.Group,
		Consumer:      cfg.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}

	return &Bus{
		Topic:      cfg.Topic,
		Publisher:  pub,
		Subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// Publish sends n to the bus topic.
func (b *Bus) Publish(ctx context.Context, n Notification) error {
	if b == nil || b.Publisher == nil {
		return errors.New("bus is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), message.Payload(n.Data))
	msg.SetContext(ctx)
	msg.Metadata.Set(MetaRoom, n.Room)
	msg.Metadata.Set(MetaEvent, n.Event)
	return errors.Wrap(b.Publisher.Publish(b.Topic, msg), "publish notification")
}

// Subscribe returns the stream of messages on the bus topic.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	if b == nil || b.Subscriber == nil {
		return nil, errors.New("bus is not initialized")
	}
	ch, err := b.Subscriber.Subscribe(ctx, b.Topic)
	return ch, errors.Wrap(err, "subscribe notifications")
}

// Decode extracts a Notification from a bus message.
func Decode(msg *message.Message) Notification {
	return Notification{
		Room:  msg.Metadata.Get(MetaRoom),
		Event: msg.Metadata.Get(MetaEvent),
		Data:  json.RawMessage(msg.Payload),
	}
}

// Close releases the driver. The first error wins.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}
