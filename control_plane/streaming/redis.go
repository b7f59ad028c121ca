package streaming

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes events on Redis pub/sub. Each topic is its
// own channel under prefix.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher publishes through client, which it does not own.
func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel carrying topic.
func (p *RedisPublisher) Channel(topic string) string {
	if p.prefix == "" {
		return topic
	}
	return p.prefix + ":" + topic
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := newEvent(topic, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Trace(err)
	}
	receivers, err := p.client.Publish(ctx, p.Channel(topic), data).Result()
	if err != nil {
		return errors.Annotatef(err, "publishing %s", topic)
	}
	logger.Tracef("published %s to %d subscriber(s)", topic, receivers)
	return nil
}

// Subscribe delivers events of topic to handler until ctx is done.
func (p *RedisPublisher) Subscribe(ctx context.Context, topic string, handler func(Event)) error {
	sub := p.client.Subscribe(ctx, p.Channel(topic))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Annotatef(err, "subscribing to %s", topic)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warningf("dropping undecodable event on %s: %v", msg.Channel, err)
				continue
			}
			handler(event)
		}
	}
}

// Close is a no-op; the client belongs to the caller.
func (p *RedisPublisher) Close() error {
	return nil
}
