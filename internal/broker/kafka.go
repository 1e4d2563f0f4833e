// Package broker wires the events.raw.v1 log topic: a keyed Kafka
// publisher for the gateway, configured for idempotent, fully-acknowledged
// produce, and a consumer-group subscriber for the worker.
package broker

import (
	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Topic is the log topic carrying accepted envelopes.
const Topic = "events.raw.v1"

// PartitionKeyMetadataKey is the message metadata entry read by
// keyedMarshaler to pick the Kafka partition key. The gateway sets it to
// "tenantId|streamKey" before publishing.
const PartitionKeyMetadataKey = "partition_key"

// PublisherFactory allows overriding publisher construction in tests, the
// same seam the teacher's transport packages use for every broker.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding subscriber construction in tests.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// keyedMarshaler embeds kafka.DefaultMarshaler to reuse its Unmarshal
// implementation, and overrides Marshal to set the Kafka partition key
// from message metadata instead of the message UUID. The spec requires
// the partition key to be "tenantId|streamKey" so that per-stream
// ordering holds; the default marshaler only ever keys by UUID.
type keyedMarshaler struct {
	kafka.DefaultMarshaler
}

func (m keyedMarshaler) Marshal(topic string, msg *message.Message) (*sarama.ProducerMessage, error) {
	pm, err := m.DefaultMarshaler.Marshal(topic, msg)
	if err != nil {
		return nil, err
	}
	if key := msg.Metadata.Get(PartitionKeyMetadataKey); key != "" {
		pm.Key = sarama.StringEncoder(key)
	}
	return pm, nil
}

func saramaProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 10
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

func saramaConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// NewPublisher builds the gateway's producer: idempotent, full ISR
// acknowledgment, keyed by tenantId|streamKey.
func NewPublisher(brokers []string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	saramaCfg := saramaProducerConfig()
	return PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             keyedMarshaler{},
		OverwriteSaramaConfig: saramaCfg,
	}, logger)
}

// NewSubscriber builds the worker's consumer-group subscriber: stable
// group identity, earliest offset for a fresh group, manual commit
// handled by Watermill's ack/nack semantics.
func NewSubscriber(brokers []string, consumerGroup string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	saramaCfg := saramaConsumerConfig()
	return SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           keyedMarshaler{},
		ConsumerGroup:         consumerGroup,
		OverwriteSaramaConfig: saramaCfg,
	}, logger)
}

// PartitionKey builds the message key for a tenant/stream pair.
func PartitionKey(tenantID, streamKey string) string {
	return tenantID + "|" + streamKey
}
