package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventType names a payment domain event.
type EventType string

const (
	EventPaymentCompleted      EventType = "payment.completed"
	EventPaymentFailed         EventType = "payment.failed"
	EventPaymentRefunded       EventType = "payment.refunded"
	EventRefundCompleted       EventType = "refund.completed"
	EventPaymentReviewRequired EventType = "payment.review_required"
)

// Event is published after the ledger change it describes has been stored.
type Event struct {
	Type       EventType       `json:"type"`
	PaymentID  string          `json:"payment_id"`
	OrderID    string          `json:"order_id"`
	RefundID   string          `json:"refund_id,omitempty"`
	Status     Status          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Provider   string          `json:"provider,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func newEvent(t EventType, p *Payment) Event {
	return Event{
		Type:       t,
		PaymentID:  p.ID.String(),
		OrderID:    p.OrderID.String(),
		Status:     p.Status,
		Amount:     p.Amount,
		Provider:   p.Provider,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers domain events to interested services (notifications,
// payouts). Delivery is best effort: the ledger is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

// NewNopPublisher discards events; used when no broker is configured.
func NewNopPublisher() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, Event) error { return nil }

// ── Kafka ─────────────────────────────────────────────────────────────────────

type kafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewKafkaPublisher connects a sync producer to brokers.
func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) (Publisher, func() error, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newKafkaPublisher(producer, topic, log), producer.Close, nil
}

func newKafkaPublisher(producer sarama.SyncProducer, topic string, log *zap.Logger) *kafkaPublisher {
	return &kafkaPublisher{producer: producer, topic: topic, log: log}
}

func (k *kafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Type, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		// Keyed by payment so events of one payment stay ordered.
		Key:   sarama.StringEncoder(e.PaymentID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(e.Type)},
		},
	}
	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	k.log.Debug("event published",
		zap.String("type", string(e.Type)), zap.String("payment_id", e.PaymentID),
		zap.Int32("partition", partition), zap.Int64("offset", offset))
	return nil
}
