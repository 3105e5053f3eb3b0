package browser_pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"agent/logger"
	"agent/services/browser_pool/slot"
)

// KafkaLifecycleBus publishes a best-effort record of every slot
// state transition to a Kafka topic. It never blocks the caller on
// broker unavailability beyond writeTimeout, and a failed publish is
// logged, never returned: this is observability, not authoritative
// pool state (see Non-goals).
type KafkaLifecycleBus struct {
	writer       *kafka.Writer
	writeTimeout time.Duration
}

// NewKafkaLifecycleBus builds a bus writing to brokers/topic. The
// writer uses the leastbytes balancer and never blocks on ack beyond
// writeTimeout.
func NewKafkaLifecycleBus(brokers []string, topic string) *KafkaLifecycleBus {
	return &KafkaLifecycleBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 100 * time.Millisecond,
			Async:        true,
		},
		writeTimeout: 2 * time.Second,
	}
}

type lifecycleRecord struct {
	Slot string     `json:"slot"`
	From slot.State `json:"from"`
	To   slot.State `json:"to"`
	At   time.Time  `json:"at"`
}

// Publish satisfies supervisor.LifecycleBus.
func (b *KafkaLifecycleBus) Publish(ctx context.Context, slotName string, from, to slot.State) {
	if b == nil || b.writer == nil {
		return
	}

	payload, err := json.Marshal(lifecycleRecord{Slot: slotName, From: from, To: to, At: time.Now()})
	if err != nil {
		logger.Warn("lifecycle event marshal failed", zap.String("slot", slotName), zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()

	if err := b.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(slotName), Value: payload}); err != nil {
		logger.Warn("lifecycle event publish failed", zap.String("slot", slotName), zap.Error(err))
	}
}

// Close flushes and closes the underlying writer.
func (b *KafkaLifecycleBus) Close() error {
	if b == nil || b.writer == nil {
		return nil
	}
	return b.writer.Close()
}
