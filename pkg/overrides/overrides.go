// Package overrides broadcasts administrative admission overrides to every
// engine instance. Admission state is process-local, so an override issued
// against one instance is published on a Redis channel and applied by all.
package overrides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/cds/pkg/admission"
	"github.com/ethpandaops/cds/pkg/observability"
)

// ErrInvalidOverride is returned when publishing an override without a sink
var ErrInvalidOverride = errors.New("override requires a sink id")

// Channel returns the pub/sub channel used below prefix
func Channel(prefix string) string {
	if prefix == "" {
		prefix = "cds"
	}

	return prefix + ":admission:overrides"
}

// Applier applies a received override to local admission state
type Applier interface {
	Apply(o admission.Override) error
}

var _ Applier = (*admission.Controller)(nil)

// Publisher publishes overrides on the shared channel
type Publisher struct {
	log     logrus.FieldLogger
	client  *redis.Client
	channel string
}

// NewPublisher creates an override publisher
func NewPublisher(log logrus.FieldLogger, client *redis.Client, prefix string) *Publisher {
	return &Publisher{
		log:     log.WithField("component", "override_publisher"),
		client:  client,
		channel: Channel(prefix),
	}
}

// PublishOverride broadcasts o and returns once Redis accepted it
func (p *Publisher) PublishOverride(ctx context.Context, o admission.Override) error {
	if o.SinkID == 0 {
		return ErrInvalidOverride
	}

	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode override: %w", err)
	}

	receivers, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish override: %w", err)
	}

	p.log.WithFields(logrus.Fields{
		"sink_id":   o.SinkID,
		"mode":      o.Mode,
		"receivers": receivers,
	}).Info("Published admission override")

	return nil
}

// Subscriber applies every override received on the shared channel
type Subscriber struct {
	log     logrus.FieldLogger
	client  *redis.Client
	channel string
	applier Applier

	pubsub   *redis.PubSub
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSubscriber creates an override subscriber
func NewSubscriber(log logrus.FieldLogger, client *redis.Client, prefix string, applier Applier) *Subscriber {
	return &Subscriber{
		log:     log.WithField("component", "override_subscriber"),
		client:  client,
		channel: Channel(prefix),
		applier: applier,
		done:    make(chan struct{}),
	}
}

// Start subscribes and applies overrides in the background until Stop.
// It returns once the subscription is confirmed.
func (s *Subscriber) Start(ctx context.Context) error {
	s.pubsub = s.client.Subscribe(ctx, s.channel)

	if _, err := s.pubsub.Receive(ctx); err != nil {
		_ = s.pubsub.Close()

		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	s.log.WithField("channel", s.channel).Info("Listening for admission overrides")

	s.wg.Add(1)

	go s.run(s.pubsub.Channel())

	return nil
}

// Stop closes the subscription and waits for the receive loop
func (s *Subscriber) Stop() error {
	var err error

	s.stopOnce.Do(func() {
		close(s.done)

		if s.pubsub != nil {
			err = s.pubsub.Close()
		}

		s.wg.Wait()
	})

	return err
}

func (s *Subscriber) run(messages <-chan *redis.Message) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			s.handle(msg.Payload)
		}
	}
}

func (s *Subscriber) handle(payload string) {
	var o admission.Override
	if err := json.Unmarshal([]byte(payload), &o); err != nil {
		s.log.WithError(err).Warn("Ignoring malformed admission override")
		observability.RecordError("override_subscriber", "decode")

		return
	}

	if err := s.applier.Apply(o); err != nil {
		s.log.WithError(err).WithField("sink_id", o.SinkID).Warn("Failed to apply admission override")
		observability.RecordError("override_subscriber", "apply")

		return
	}

	s.log.WithFields(logrus.Fields{
		"sink_id": o.SinkID,
		"mode":    o.Mode,
	}).Debug("Applied admission override")
}
