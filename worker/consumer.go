package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// ErrMalformedPayload marks permanently bad messages. The consumer commits
// and drops them instead of retrying forever.
var ErrMalformedPayload = errors.New("malformed event payload")

// HandlerFunc processes one event payload
type HandlerFunc func(ctx context.Context, payload []byte) error

// lowLevelConsumer wraps the confluent consumer for testability
type lowLevelConsumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	CommitMessage(m *kafka.Message) ([]kafka.TopicPartition, error)
	Close() error
}

// Consumer drives the billing-event topics against an EventHandler. Offsets
// commit only after a successful handle, so transient failures are
// redelivered; malformed payloads are committed away.
type Consumer struct {
	consumer lowLevelConsumer
	routes   map[string]HandlerFunc
}

type consumerFactory func(cfg *kafka.ConfigMap) (lowLevelConsumer, error)

func defaultFactory(cfg *kafka.ConfigMap) (lowLevelConsumer, error) {
	return kafka.NewConsumer(cfg)
}

// NewConsumer connects to the broker and maps each billing topic to its
// handler method.
func NewConsumer(bootstrapServers, groupID string, handler *EventHandler) (*Consumer, error) {
	return newConsumerWithFactory(bootstrapServers, groupID, handler, defaultFactory)
}

func newConsumerWithFactory(bootstrapServers, groupID string, handler *EventHandler, factory consumerFactory) (*Consumer, error) {
	cfg := &kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"group.id":           groupID,
		"auto.offset.reset":  "earliest",
		"enable.auto.commit": false,
	}
	consumer, err := factory(cfg)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		consumer: consumer,
		routes: map[string]HandlerFunc{
			TopicApplicationOverdue: handler.HandleApplicationOverdue,
			TopicBillPaid:           handler.HandleBillPaid,
			TopicBillCleared:        handler.HandleBillCleared,
			TopicBillRevoke:         handler.HandleBillRevoke,
		},
	}, nil
}

// Run consumes until the context is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	topics := make([]string, 0, len(c.routes))
	for t := range c.routes {
		topics = append(topics, t)
	}
	if err := c.consumer.SubscribeTopics(topics, nil); err != nil {
		return err
	}
	log.Printf("worker: consuming %v", topics)

	for {
		select {
		case <-ctx.Done():
			return c.consumer.Close()
		default:
		}

		msg, err := c.consumer.ReadMessage(time.Second)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			log.Printf("worker: read message: %v", err)
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *kafka.Message) {
	topic := ""
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}
	handler, ok := c.routes[topic]
	if !ok {
		log.Printf("worker: no handler for topic %q, dropping", topic)
		c.commit(msg)
		return
	}

	err := handler(ctx, msg.Value)
	switch {
	case err == nil:
		c.commit(msg)
	case errors.Is(err, ErrMalformedPayload):
		log.Printf("worker: dropping poison message on %s: %v", topic, err)
		c.commit(msg)
	default:
		// No commit: the broker redelivers after rebalance or restart
		log.Printf("worker: %s handler failed, leaving for redelivery: %v", topic, err)
	}
}

func (c *Consumer) commit(msg *kafka.Message) {
	if _, err := c.consumer.CommitMessage(msg); err != nil {
		log.Printf("worker: commit offset: %v", err)
	}
}
