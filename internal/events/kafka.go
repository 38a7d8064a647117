package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/appdotbuilder/appfleet/internal/domain"
	"github.com/appdotbuilder/appfleet/internal/service/deployment"
)

// KafkaPublisher mirrors deployment status changes and ledger transactions
// onto a Kafka topic for downstream consumers (audit trail, billing exports).
// It buffers events and sends from its own goroutine so callers never block
// on the broker.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
	pending  chan envelope
}

type envelope struct {
	kind    string
	key     string
	payload []byte
}

// NewKafka connects a sync producer to the given brokers. An empty broker
// list disables the publisher: the returned nil is safe to pass around.
func NewKafka(brokers []string, topic string, buffer int, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	if buffer <= 0 {
		buffer = 256
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	return &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "events-kafka"),
		pending:  make(chan envelope, buffer),
	}, nil
}

// PublishStatus queues a deployment status event. When the buffer is full
// the event is dropped with a warning; the database remains the source of
// truth.
func (p *KafkaPublisher) PublishStatus(event deployment.StatusEvent) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode status event", "deployment_id", event.DeploymentID, "error", err)
		return
	}
	p.enqueue(envelope{kind: "status", key: event.DeploymentID, payload: payload})
}

// PublishTransaction queues a ledger transaction together with the balance
// it produced, keyed by user so per-user ordering is preserved.
func (p *KafkaPublisher) PublishTransaction(tx domain.Transaction, balance domain.Cents) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(struct {
		ID           string       `json:"id"`
		UserID       string       `json:"user_id"`
		Kind         string       `json:"kind"`
		AmountCents  domain.Cents `json:"amount_cents"`
		BalanceCents domain.Cents `json:"balance_cents"`
		Description  string       `json:"description"`
		Reference    *string      `json:"reference,omitempty"`
	}{tx.ID, tx.UserID, tx.Kind, tx.Amount, balance, tx.Description, tx.Reference})
	if err != nil {
		p.logger.Error("failed to encode transaction event", "transaction_id", tx.ID, "error", err)
		return
	}
	p.enqueue(envelope{kind: "transaction", key: tx.UserID, payload: payload})
}

func (p *KafkaPublisher) enqueue(env envelope) {
	select {
	case p.pending <- env:
	default:
		p.logger.Warn("event buffer full, dropping", "kind", env.kind, "key", env.key)
	}
}

// Run drains the buffer until ctx is cancelled, then closes the producer.
func (p *KafkaPublisher) Run(ctx context.Context) {
	if p == nil {
		return
	}
	p.logger.Info("kafka publisher started", "topic", p.topic)
	defer func() {
		if err := p.producer.Close(); err != nil {
			p.logger.Warn("failed to close producer", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("kafka publisher stopped")
			return
		case env := <-p.pending:
			p.send(env)
		}
	}
}

func (p *KafkaPublisher) send(env envelope) {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(env.key),
		Value: sarama.ByteEncoder(env.payload),
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		p.logger.Warn("failed to publish event", "kind", env.kind, "key", env.key, "error", err)
	}
}
