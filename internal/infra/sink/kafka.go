package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"crank_go/internal/domain"
)

// EnvelopeTypeCycle tags cycle outcome messages.
const EnvelopeTypeCycle = "crank.cycle"

// Envelope wraps every published message.
type Envelope struct {
	Type string          `json:"type"`
	TS   int64           `json:"ts"` // unix millis
	Data json.RawMessage `json:"data"`
}

// KafkaSink publishes cycle outcomes to a Kafka topic, keyed by market
// address so a market's outcomes stay ordered within a partition.
type KafkaSink struct {
	topic string
	p     sarama.SyncProducer
}

var _ domain.OutcomeSink = (*KafkaSink)(nil)

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return NewKafkaSinkWithProducer(p, topic), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{topic: topic, p: p}
}

func (s *KafkaSink) Close() error {
	if s.p != nil {
		return s.p.Close()
	}
	return nil
}

// Publish sends one outcome. Idle cycles are dropped.
func (s *KafkaSink) Publish(ctx context.Context, o domain.CycleOutcome) error {
	if o.Kind == domain.OutcomeIdle {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Envelope{
		Type: EnvelopeTypeCycle,
		TS:   time.Now().UnixMilli(),
		Data: data,
	})
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(o.Address),
		Value: sarama.ByteEncoder(b),
	}
	if _, _, err := s.p.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}
