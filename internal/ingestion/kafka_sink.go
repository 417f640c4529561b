package ingestion

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaSink publishes outbound events to one Kafka topic, partitioned by
// pool. Subject and id travel as headers.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (s *KafkaSink) Publish(ctx context.Context, msg Message) error {
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   msg.PartitionKey,
		Value: msg.Data,
		Headers: []kafka.Header{
			{Key: "subject", Value: []byte(msg.Subject)},
			{Key: "id", Value: []byte(msg.ID)},
		},
	})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
