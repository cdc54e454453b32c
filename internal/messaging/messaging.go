package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/config"
)

// Message is one order event as seen by a consumer.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
	Offset  int64
	Time    time.Time
}

// Handler processes an inbound message. The context carries the publisher's
// trace when one was propagated.
type Handler func(context.Context, Message) error

// Client publishes order events and feeds them to the worker.
type Client interface {
	Publish(ctx context.Context, key []byte, value []byte, headers map[string]string) error
	Consume(ctx context.Context, handler Handler) error
	Topic() string
}

// HeaderEventType carries the domain event type alongside the payload.
const HeaderEventType = "event-type"

const (
	handlerAttempts = 5
	handlerBackoff  = 500 * time.Millisecond
)

// Module wires the messaging client.
var Module = fx.Provide(NewClient)

// NewClient picks the bus named by MESSAGING_DRIVER.
func NewClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (Client, error) {
	m := cfg.Messaging
	if !m.Enabled || m.Driver == "noop" {
		logger.Info("messaging disabled; order events are not published")
		return noopClient{topic: m.Kafka.Topic}, nil
	}

	switch m.Driver {
	case "kafka":
		client := newKafkaClient(m, logger.Named("kafka"))
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return client.Close() }})
		return client, nil
	case "memory":
		logger.Info("using in-process message bus")
		return NewMemoryClient(m.Kafka.Topic, 256), nil
	default:
		return nil, fmt.Errorf("unsupported messaging driver: %s", m.Driver)
	}
}

// withTrace copies the span context of ctx into a fresh header map.
func withTrace(ctx context.Context, headers map[string]string) map[string]string {
	out := make(propagation.MapCarrier, len(headers)+2)
	for k, v := range headers {
		out[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, out)
	return out
}

// traced restores the publisher's span context from msg headers.
func traced(ctx context.Context, msg Message) context.Context {
	if len(msg.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))
}

// handleWithRetry runs handler until it succeeds, the attempts run out or ctx ends.
func handleWithRetry(ctx context.Context, handler Handler, msg Message) error {
	ctx = traced(ctx, msg)
	backoff := handlerBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = handler(ctx, msg); err == nil || attempt == handlerAttempts {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
}

type noopClient struct {
	topic string
}

func (n noopClient) Publish(context.Context, []byte, []byte, map[string]string) error { return nil }
func (n noopClient) Consume(ctx context.Context, _ Handler) error {
	<-ctx.Done()
	return ctx.Err()
}
func (n noopClient) Topic() string { return n.topic }

// kafkaClient writes with acks from all replicas. The consumer-group reader is
// created on the first Consume so API processes never join the group.
type kafkaClient struct {
	cfg    config.Messaging
	writer *kafka.Writer
	logger *zap.Logger

	mu     sync.Mutex
	reader *kafka.Reader
}

func newKafkaClient(cfg config.Messaging, logger *zap.Logger) *kafkaClient {
	return &kafkaClient{
		cfg:    cfg,
		logger: logger,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Logger:       kafka.LoggerFunc(logger.Sugar().Debugf),
			ErrorLogger:  kafka.LoggerFunc(logger.Sugar().Warnf),
		},
	}
}

func (k *kafkaClient) Topic() string { return k.cfg.Kafka.Topic }

// Publish keys by order id so one order's events stay ordered on a partition.
func (k *kafkaClient) Publish(ctx context.Context, key []byte, value []byte, headers map[string]string) error {
	msg := kafka.Message{Key: key, Value: value}
	for name, v := range withTrace(ctx, headers) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: name, Value: []byte(v)})
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *kafkaClient) consumer() *kafka.Reader {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reader == nil {
		k.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        k.cfg.Kafka.Brokers,
			GroupID:        k.cfg.ConsumerGroup,
			Topic:          k.cfg.Kafka.Topic,
			MinBytes:       k.cfg.Kafka.MinBytes,
			MaxBytes:       k.cfg.Kafka.MaxBytes,
			CommitInterval: k.cfg.Kafka.CommitInterval,
			Dialer: &kafka.Dialer{
				Timeout:  k.cfg.Kafka.ConnectTimeout,
				ClientID: k.cfg.Kafka.ClientID,
			},
			ErrorLogger: kafka.LoggerFunc(k.logger.Sugar().Warnf),
		})
	}
	return k.reader
}

// Consume commits a message only after handler succeeds. A message whose
// handler keeps failing is left uncommitted and comes back after a rebalance.
func (k *kafkaClient) Consume(ctx context.Context, handler Handler) error {
	reader := k.consumer()
	pause := max(k.cfg.Workers.PollInterval, 100*time.Millisecond)
	for {
		raw, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("kafka fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
			continue
		}

		msg := fromKafka(raw)
		if err := handleWithRetry(ctx, handler, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error("message handler failed; leaving offset uncommitted",
				zap.Int64("offset", raw.Offset),
				zap.Int("partition", raw.Partition),
				zap.String("event_type", msg.Headers[HeaderEventType]),
				zap.Error(err),
			)
			continue
		}
		if err := reader.CommitMessages(ctx, raw); err != nil && !errors.Is(err, context.Canceled) {
			k.logger.Warn("commit failed", zap.Int64("offset", raw.Offset), zap.Error(err))
		}
	}
}

func (k *kafkaClient) Close() error {
	k.logger.Info("closing kafka client")
	err := k.writer.Close()
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.reader != nil {
		err = errors.Join(err, k.reader.Close())
	}
	return err
}

func fromKafka(raw kafka.Message) Message {
	msg := Message{
		Topic:  raw.Topic,
		Key:    append([]byte(nil), raw.Key...),
		Value:  append([]byte(nil), raw.Value...),
		Offset: raw.Offset,
		Time:   raw.Time,
	}
	if len(raw.Headers) > 0 {
		msg.Headers = make(map[string]string, len(raw.Headers))
		for _, h := range raw.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}
