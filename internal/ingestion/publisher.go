package ingestion

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/observability"

	jsoniter "github.com/json-iterator/go"
	"github.com/nats-io/nats.go/jetstream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Message is one encoded outbound event.
type Message struct {
	Subject string
	// ID is unique per output and lets the broker drop republished copies.
	ID string
	// PartitionKey is the pool id, or "global"; outputs sharing it stay ordered.
	PartitionKey []byte
	Data         []byte
}

// Sink delivers outbound messages.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// OutboundPublisher publishes engine outputs for downstream consumers.
// Subjects follow tickbook.events.{event_type}[.{pool_id}].
type OutboundPublisher struct {
	sink      Sink
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
}

// PublishableEvent is the outbound wire form of an engine output.
type PublishableEvent struct {
	Sequence       int64               `json:"sequence"`
	EventType      string              `json:"event_type"`
	IdempotencyKey string              `json:"idempotency_key"`
	PoolID         *string             `json:"pool_id,omitempty"`
	Payload        jsoniter.RawMessage `json:"payload"`
	StateHash      string              `json:"state_hash"`
	PrevHash       string              `json:"prev_hash"`
	SourceSequence int64               `json:"source_sequence,omitempty"`
	Timestamp      time.Time           `json:"timestamp"`
}

func NewOutboundPublisher(sink Sink, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		sink:      sink,
		inputChan: inputChan,
		metrics:   metrics,
	}
}

// NewPublishableEvent converts an engine output to its wire form.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        jsoniter.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		SourceSequence: env.SourceSequence,
		Timestamp:      env.Timestamp,
	}
	if env.PoolID != nil {
		pool := env.PoolID.String()
		pe.PoolID = &pool
	}
	return pe
}

// Subject returns the routing subject of pe.
func (pe PublishableEvent) Subject() string {
	subject := "tickbook.events." + pe.EventType
	if pe.PoolID != nil {
		subject += "." + *pe.PoolID
	}
	return subject
}

// Run publishes until ctx is cancelled or the input closes. Publish
// failures are logged and dropped; consumers can read the event log.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, NewPublishableEvent(out)); err != nil {
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				log.Printf("WARN: outbound publish failed seq=%d: %v", out.Envelope.Sequence, err)
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, pe PublishableEvent) error {
	data, err := json.Marshal(pe)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := "global"
	if pe.PoolID != nil {
		key = *pe.PoolID
	}
	return op.sink.Publish(ctx, Message{
		Subject:      pe.Subject(),
		ID:           pe.IdempotencyKey,
		PartitionKey: []byte(key),
		Data:         data,
	})
}

// NATSSink publishes to JetStream with the message id set, so JetStream
// deduplicates republished outputs within the stream's window.
type NATSSink struct {
	js jetstream.JetStream
}

func NewNATSSink(js jetstream.JetStream) *NATSSink { return &NATSSink{js: js} }

func (s *NATSSink) Publish(ctx context.Context, msg Message) error {
	_, err := s.js.Publish(ctx, msg.Subject, msg.Data, jetstream.WithMsgID(msg.ID))
	return err
}

func (s *NATSSink) Close() error { return nil }

const OutboundStream = "TICKBOOK_EVENTS"

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{"tickbook.events.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Printf("INFO: ensured outbound stream %s", OutboundStream)
	return nil
}
