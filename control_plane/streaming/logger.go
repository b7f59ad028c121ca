package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("backforge.streaming")

// LogPublisher writes every event to the log.
type LogPublisher struct {
	logger loggo.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{
		logger: loggo.GetLogger("backforge.streaming.events"),
	}
}

func newEvent(topic string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Annotatef(err, "encoding %s payload", topic)
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}, nil
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := newEvent(topic, payload)
	if err != nil {
		return err
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return errors.Trace(err)
	}
	p.logger.Infof("publish %s: %s", topic, string(eventBytes))
	return nil
}

func (p *LogPublisher) Close() error {
	p.logger.Debugf("closed")
	return nil
}
