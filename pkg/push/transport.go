// Package push carries mobile session events from the gateway to watching
// web clients: domain events go onto a watermill topic (in-process or Redis
// Streams), and the topic fans out to websocket connections.
package push

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/sipeed/picowidget/pkg/config"
	"github.com/sipeed/picowidget/pkg/events"
	"github.com/sipeed/picowidget/pkg/logger"
)

// Topic is the stream every conversation event is published on.
const Topic = "picowidget.conversation-events"

// Transport is a publisher/subscriber pair for push events.
type Transport struct {
	pub     message.Publisher
	sub     message.Subscriber
	closers []func() error
}

// NewInMemory returns a transport that never leaves the process.
func NewInMemory() *Transport {
	ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, NewWatermillLogger())
	return &Transport{pub: ch, sub: ch, closers: []func() error{ch.Close}}
}

// NewTransport builds the transport selected by cfg.
func NewTransport(ctx context.Context, cfg config.PushConfig) (*Transport, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewInMemory(), nil
	case "redis":
		return newRedisTransport(ctx, cfg)
	default:
		return nil, errors.Errorf("unknown push backend %q", cfg.Backend)
	}
}

func newRedisTransport(ctx context.Context, cfg config.PushConfig) (*Transport, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", cfg.RedisAddr)
	}

	// every gateway instance needs every event, so each gets its own group
	group := cfg.RedisGroup + "." + cfg.RedisConsumer
	if err := ensureGroupAtTail(ctx, client, Topic, group); err != nil {
		client.Close()
		return nil, err
	}

	wlog := NewWatermillLogger()
	marshaller := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaller,
	}, wlog)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaller,
		ConsumerGroup: group,
		Consumer:      cfg.RedisConsumer,
	}, wlog)
	if err != nil {
		pub.Close()
		client.Close()
		return nil, errors.Wrap(err, "redis subscriber")
	}

	logger.InfoCF("push", "Redis stream transport ready", map[string]interface{}{
		"addr":  cfg.RedisAddr,
		"group": group,
	})
	return &Transport{
		pub:     pub,
		sub:     sub,
		closers: []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// ensureGroupAtTail creates the consumer group at "$" so a new instance does
// not replay history.
func ensureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errors.Wrapf(err, "create consumer group %s", group)
	}
	return nil
}

// Publish sends one event.
func (t *Transport) Publish(ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encode push event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	return t.pub.Publish(Topic, msg)
}

// Subscribe streams decoded events until ctx is done. Undecodable messages
// are acknowledged and dropped.
func (t *Transport) Subscribe(ctx context.Context) (<-chan events.Event, error) {
	messages, err := t.sub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe push topic")
	}

	out := make(chan events.Event, 64)
	go func() {
		defer close(out)
		for msg := range messages {
			ev, err := events.Decode(msg.Payload)
			msg.Ack()
			if err != nil {
				logger.WarnCF("push", "Dropped undecodable push message", map[string]interface{}{
					"uuid":  msg.UUID,
					"error": err.Error(),
				})
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the publisher, subscriber and any client behind them.
func (t *Transport) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
