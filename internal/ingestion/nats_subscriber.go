package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/event"
	"TickBook/internal/observability"
	"TickBook/internal/settlement"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSSubscriber consumes swap notifications from JetStream and hands them
// to eventChan for the swap consumer.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
}

// RawEvent is a received message before parsing.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK after the swap was applied or dropped
	NakFunc   func() // NAK to have it redelivered
}

// SubjectConfig maps a subject to the event type it carries.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	SwapStream  = "TICKBOOK_SWAPS"
	SwapSubject = "tickbook.swaps.>"
)

// DefaultSubjects returns the swap feed subscription. Subjects are
// tickbook.swaps.{pool_id}.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{
			Subject:      SwapSubject,
			EventType:    event.EventTypeSwapObserved.String(),
			ConsumerName: "tickbook-swaps",
			StreamName:   SwapStream,
		},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5 and ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { msg.Ack() },
				NakFunc:   func() { msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		log.Printf("INFO: subscribed to %s (consumer=%s)", cfg.Subject, cfg.ConsumerName)
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	log.Println("INFO: NATS subscribers stopped")
}

// SwapApplier replays a parsed swap; implemented by core.FeedProcessor.
type SwapApplier interface {
	Apply(ctx context.Context, evt *event.SwapObserved, source string) (settlement.SwapResult, bool, error)
}

// SwapConsumer parses received notifications and applies them.
type SwapConsumer struct {
	feed    SwapApplier
	input   <-chan RawEvent
	source  string
	metrics *observability.Metrics
}

func NewSwapConsumer(feed SwapApplier, input <-chan RawEvent, source string, metrics *observability.Metrics) *SwapConsumer {
	return &SwapConsumer{feed: feed, input: input, source: source, metrics: metrics}
}

// Run handles messages until ctx is cancelled or the input closes.
func (sc *SwapConsumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-sc.input:
			if !ok {
				return nil
			}
			sc.Handle(ctx, raw)
		}
	}
}

// Handle applies one message and settles it. Malformed and stale swaps are
// acknowledged and dropped; any other failure is redelivered.
func (sc *SwapConsumer) Handle(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw, raw.EventType)
	if err != nil {
		if sc.metrics != nil {
			sc.metrics.SwapParseErrors.Inc()
		}
		log.Printf("WARN: dropping %s: %v", raw.Subject, err)
		settle(raw.AckFunc)
		return
	}
	swap, ok := evt.(*event.SwapObserved)
	if !ok {
		settle(raw.AckFunc)
		return
	}

	_, _, err = sc.feed.Apply(ctx, swap, sc.source)
	var stale *core.ErrStaleSequence
	switch {
	case err == nil:
		settle(raw.AckFunc)
	case errors.As(err, &stale):
		log.Printf("WARN: dropping stale swap %s: %v", swap.SwapID, err)
		settle(raw.AckFunc)
	case errors.Is(err, settlement.ErrPoolNotFound):
		log.Printf("WARN: dropping swap %s for unknown pool %s", swap.SwapID, swap.Pool)
		settle(raw.AckFunc)
	default:
		log.Printf("ERROR: swap %s failed, requesting redelivery: %v", swap.SwapID, err)
		settle(raw.NakFunc)
	}
}

func settle(f func()) {
	if f != nil {
		f()
	}
}

// EnsureStreams creates the swap feed stream if it does not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      SwapStream,
		Subjects:  []string{SwapSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", SwapStream, err)
	}
	log.Printf("INFO: ensured stream %s", SwapStream)
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("tickbook"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("WARN: NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Println("INFO: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
